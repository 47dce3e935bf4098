package inittab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gouk/unicore/tls"
)

type fakeChild struct {
	flags  Features
	name   string
	uktlsp uintptr
}

func (c *fakeChild) InitFlags() Features        { return c.flags }
func (c *fakeChild) InitName() string           { return c.name }
func (c *fakeChild) InitUKTLSPointer() uintptr  { return c.uktlsp }

func TestRunInitForwardOrder(t *testing.T) {
	Reset()
	defer Reset()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		Register(Entry{
			Init: func(child, parent Child) error { order = append(order, i); return nil },
			Term: func(child Child) {},
		})
	}

	child := &fakeChild{uktlsp: 0x1000}
	require.NoError(t, RunInit(child, nil))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRunInitRollsBackOnFailurePartialReverse(t *testing.T) {
	Reset()
	defer Reset()

	var initOrder, termOrder []int
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		i := i
		Register(Entry{
			Init: func(child, parent Child) error {
				initOrder = append(initOrder, i)
				if i == 2 {
					return boom
				}
				return nil
			},
			Term: func(child Child) { termOrder = append(termOrder, i) },
		})
	}

	child := &fakeChild{uktlsp: 0x2000}
	err := RunInit(child, nil)
	require.ErrorIs(t, err, boom)

	// entries 0,1,2 ran their init (2 failed); only 0 and 1 must be
	// unwound, in reverse, entry 2 itself never gets a term call since it
	// never succeeded.
	assert.Equal(t, []int{0, 1, 2}, initOrder)
	assert.Equal(t, []int{1, 0}, termOrder)
}

func TestRunInitSkipsFeatureMismatch(t *testing.T) {
	Reset()
	defer Reset()

	called := false
	Register(Entry{
		Flags: FeatureECTX,
		Init:  func(child, parent Child) error { called = true; return nil },
	})

	child := &fakeChild{flags: FeatureUKTLS, uktlsp: 0x3000}
	require.NoError(t, RunInit(child, nil))
	assert.False(t, called)
}

func TestRunInitActivatesChildTLSDuringCallback(t *testing.T) {
	Reset()
	defer Reset()

	var observed uintptr
	Register(Entry{
		Init: func(child, parent Child) error {
			observed = tls.ActivePointer()
			return nil
		},
	})

	child := &fakeChild{uktlsp: 0x4000}
	require.NoError(t, RunInit(child, nil))
	assert.EqualValues(t, 0x4000, observed)
}

func TestRunTermReverseOrderRunsAllDespiteNoErrorPath(t *testing.T) {
	Reset()
	defer Reset()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		Register(Entry{Term: func(child Child) { order = append(order, i) }})
	}

	RunTerm(&fakeChild{uktlsp: 0x5000})
	assert.Equal(t, []int{2, 1, 0}, order)
}
