package lifecycle

import (
	"errors"
	"fmt"
)

// State 是 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装失败，该版本永远不会被激活。
	StateRedundant State = "redundant"
)

// ErrInvalidTransition 表示状态机收到了不允许的迁移。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var transitions = map[State][]State{
	StateParsed:     {StateInstalling},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating},
	StateActivating: {StateActivated},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
