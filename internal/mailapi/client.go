// Package mailapi is the narrow contract this service has with the remote
// mailbox: draft creation in batches, chunked attachment upload sessions,
// folder resolution, message moves and category patches, and credential
// refresh. Every failure crossing this boundary carries a closed error kind
// so retry policy never has to match strings upstream.
package mailapi

import (
	"context"
	"time"
)

// MaxBatchSize is the remote API's per-request ceiling for batched draft
// creation.
const MaxBatchSize = 20

// DraftRequest is one message to be created as a draft.
type DraftRequest struct {
	Subject    string
	Body       string
	Recipients []string
}

// DraftResult is the per-item outcome of a batch call, ordered 1:1 with the
// request slice. Err is nil when the draft was created.
type DraftResult struct {
	ID  string
	Err error
}

// Folder is a mailbox folder reference.
type Folder struct {
	ID          string
	DisplayName string
}

// Credential is the access artifact for the remote API.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client is the remote mail API surface consumed by the core. Implementations
// must translate remote failures into *Error values.
type Client interface {
	// CreateDraftsBatch creates up to MaxBatchSize drafts in one remote
	// call. The returned slice is ordered 1:1 with requests. The error
	// return is reserved for transport-level failures of the whole batch.
	CreateDraftsBatch(ctx context.Context, requests []DraftRequest) ([]DraftResult, error)

	// CreateUploadSession declares an attachment upload for a draft and
	// returns the server-assigned upload URL.
	CreateUploadSession(ctx context.Context, messageID, fileName string, fileSize int64) (string, error)

	// UploadChunk sends one byte range of an attachment to an upload URL.
	UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rangeStart, rangeEnd, totalSize int64) error

	// ListChildFolders lists the folders directly under a parent folder.
	// The well-known name "drafts" is accepted as a parent.
	ListChildFolders(ctx context.Context, parentFolderID string) ([]Folder, error)

	// CreateChildFolder creates a folder under a parent and returns its id.
	CreateChildFolder(ctx context.Context, parentFolderID, displayName string) (string, error)

	// PatchCategories replaces the category list of a message.
	PatchCategories(ctx context.Context, messageID string, categories []string) error

	// MoveMessage moves a message into a destination folder.
	MoveMessage(ctx context.Context, messageID, destinationFolderID string) error

	// RefreshCredential exchanges a refresh token for a fresh credential.
	RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error)
}
