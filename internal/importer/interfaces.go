package importer

import (
	"context"
	"io"
	"time"
)

// Archiver bundles local files into one temporary archive.
type Archiver interface {
	CreateArchive(ctx context.Context, paths []string) (ArchiveHandle, error)
}

// Resolver discovers the cluster serving an organization.
type Resolver interface {
	Resolve(ctx context.Context, organizationID string) (ClusterInfo, error)
}

// Authenticator opens a session. A nil cluster triggers resolution first; the returned
// Session records the cluster it is valid for.
type Authenticator interface {
	Authenticate(ctx context.Context, cluster *ClusterInfo, creds Credentials) (Session, error)
}

// Submitter uploads an archive on an open session.
type Submitter interface {
	Submit(ctx context.Context, session Session, archive ArchiveHandle, opts Options) (Response, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs and temp names (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
