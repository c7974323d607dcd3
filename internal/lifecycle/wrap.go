package lifecycle

import "time"

// WrapCommand runs fn, timing it, and reports completion through h.
// h may be nil, in which case fn runs unobserved.
func WrapCommand(h NotificationHandler, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if h != nil {
		h.OnCommandComplete(name, err == nil, time.Since(start))
	}
	return err
}

// WrapStage runs fn and reports its success through h without timing
// (stage notifications carry no duration). h may be nil.
func WrapStage(h NotificationHandler, name string, fn func() error) error {
	err := fn()
	if h != nil {
		h.OnStageComplete(name, err == nil)
	}
	return err
}
