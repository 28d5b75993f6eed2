package assembler

// releaseStack collects release actions for the resources a build
// acquires. release runs them in reverse acquisition order, which is
// what keeps a filesystem unmounted strictly before its backing device
// is closed. A second release is a no-op, so the caller can release
// explicitly before converting the image and still defer a call that
// covers every error path.
type releaseStack struct {
	actions []func() error
}

func (s *releaseStack) push(action func() error) {
	s.actions = append(s.actions, action)
}

func (s *releaseStack) release() error {
	var firstErr error
	for i := len(s.actions) - 1; i >= 0; i-- {
		if err := s.actions[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.actions = nil
	return firstErr
}
