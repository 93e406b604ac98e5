package stage

import "fmt"

// ForkingImpossibleError is returned by Fork when the local user already
// holds the repository being forked.
type ForkingImpossibleError struct {
	User   string
	RepoID string
}

func (e *ForkingImpossibleError) Error() string {
	return fmt.Sprintf("stage: user %q already holds repo %q, cannot fork", e.User, e.RepoID)
}

// RepoAlreadyExistsError is returned by install_repo when the target
// (user, repo-id) slot is already occupied.
type RepoAlreadyExistsError struct {
	User   string
	RepoID string
}

func (e *RepoAlreadyExistsError) Error() string {
	return fmt.Sprintf("stage: user %q already has repo %q installed", e.User, e.RepoID)
}

// AckTimeoutError is informational: sync! logs it and keeps waiting, it
// never aborts the sync.
type AckTimeoutError struct {
	Peer string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("stage: no meta-pubed ack received from peer %q after the timeout", e.Peer)
}
