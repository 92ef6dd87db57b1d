package automaton

import (
	"errors"
	"fmt"

	"github.com/streamforge/pipeline-controller/internal/domain"
)

// FatalError terminates the owning automaton: the supervisor may recreate
// it later, but this goroutine gives up immediately rather than retrying
// against a store it can no longer trust (error taxonomy kind 1 and kind 3
// from spec's error handling design).
type FatalError struct {
	cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("automaton fatal error: %v", e.cause) }

func (e *FatalError) Unwrap() error { return e.cause }

func fatalf(format string, args ...any) error {
	return &FatalError{cause: fmt.Errorf(format, args...)}
}

// classifyWrite inspects the error returned by a guarded store write.
//   - nil: the write succeeded.
//   - *domain.UnknownPipelineError is returned unwrapped: the caller treats
//     this as a clean exit, not a failure (the API deleted the pipeline).
//   - *domain.OutdatedPipelineVersionError is swallowed (return nil) only
//     when allowOutdatedNoop is true — the Shutdown→Provisioning retry path,
//     per spec's error taxonomy kind 2. Anywhere else a stale version is a
//     programmer error (kind 3) and becomes fatal.
//   - anything else (a connection failure, a context deadline) becomes
//     fatal (kind 1): the automaton cannot keep making progress against a
//     store it can't trust.
func classifyWrite(err error, allowOutdatedNoop bool) error {
	if err == nil {
		return nil
	}

	var unknown *domain.UnknownPipelineError
	if errors.As(err, &unknown) {
		return err
	}

	var outdated *domain.OutdatedPipelineVersionError
	if errors.As(err, &outdated) {
		if allowOutdatedNoop {
			return nil
		}
		return fatalf("version-guard violation outside the Shutdown->Provisioning retry path: %w", err)
	}

	return fatalf("persist transition: %w", err)
}

// isUnknownPipeline reports whether err signals that the descriptor this
// automaton was driving no longer exists.
func isUnknownPipeline(err error) bool {
	var unknown *domain.UnknownPipelineError
	return errors.As(err, &unknown)
}
