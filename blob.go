package connectlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// BlobStore holds attachment bytes under their content address.
type BlobStore interface {
	// Put stores data and returns its attachment reference. Storing the same
	// bytes twice yields the same Ref.
	Put(ctx context.Context, data []byte, name, mimeType string) (*Attachment, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ContentRef returns the content address of data.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseContentRef extracts the hex digest from a ref.
func ParseContentRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(digest) != sha256.Size*2 {
		return "", validationError("invalid content ref %q", ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", validationError("invalid content ref %q", ref)
	}
	return digest, nil
}

// RESTBlobStore is the backend storage bucket for attachments.
type RESTBlobStore struct {
	client *Client
}

var _ BlobStore = (*RESTBlobStore)(nil)

const attachmentBucket = "attachments"

func objectPath(digest string) string {
	return fmt.Sprintf("/storage/v1/object/%s/%s", attachmentBucket, digest)
}

// Put uploads data under its content address. Uploading the same bytes again
// is not an error.
func (b *RESTBlobStore) Put(ctx context.Context, data []byte, name, mimeType string) (*Attachment, error) {
	if mimeType == "" {
		mimeType = guessMimeType(name)
	}
	ref := ContentRef(data)
	digest, _ := ParseContentRef(ref)

	_, err := b.client.doRequest(ctx, request{
		method:      http.MethodPut,
		path:        objectPath(digest),
		body:        data,
		contentType: mimeType,
		header:      map[string]string{"x-upsert": "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	return &Attachment{Ref: ref, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

// Get downloads the bytes behind ref and checks them against the digest.
func (b *RESTBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := ParseContentRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := b.client.doRequest(ctx, request{method: http.MethodGet, path: objectPath(digest)})
	if err != nil {
		return nil, err
	}
	if ContentRef(data) != ref {
		return nil, fmt.Errorf("%w: blob %s does not match its digest", ErrDataIntegrity, digest)
	}
	return data, nil
}
