package connectlink

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxAttachmentSize is the largest attachment Compose accepts.
const MaxAttachmentSize = 50 << 20

const (
	sentFileText  = "Sent a file"
	sentImageText = "Sent an image"
)

// Composer turns user input into an append payload.
type Composer struct {
	blobs   BlobStore
	maxSize int64
}

// NewComposer returns a composer that uploads attachments to blobs. blobs may
// be nil when attachments are not supported.
func NewComposer(blobs BlobStore) *Composer {
	return &Composer{blobs: blobs, maxSize: MaxAttachmentSize}
}

// Compose validates text and att, uploads the attachment if any, and returns
// the payload to append. It performs no network call when validation fails.
func (c *Composer) Compose(ctx context.Context, text string, att *AttachmentInput) (Payload, error) {
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return Payload{}, validationError("message is empty")
	}
	if att == nil {
		return Payload{Content: text}, nil
	}

	if len(att.Data) == 0 {
		return Payload{}, validationError("attachment %q is empty", att.Name)
	}
	if int64(len(att.Data)) > c.maxSize {
		return Payload{}, validationError("attachment %q is %s, limit is %s",
			att.Name, humanize.IBytes(uint64(len(att.Data))), humanize.IBytes(uint64(c.maxSize)))
	}
	if c.blobs == nil {
		return Payload{}, validationError("attachments are not supported")
	}

	name := att.Name
	if name == "" {
		name = "attachment"
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(name)
	}
	ref, err := c.blobs.Put(ctx, att.Data, name, mimeType)
	if err != nil {
		return Payload{}, err
	}

	if text == "" {
		text = sentFileText
		if ref.IsImage() {
			text = sentImageText
		}
	}
	return Payload{Content: text, Attachment: ref}, nil
}
