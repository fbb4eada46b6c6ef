// Package sdkmultimodal implements the SDK multimodal adapter (spec
// §4.3.c): the same tool-calling loop as sdkchat, with image attachments
// on the initial prompt and on follow-ups.
package sdkmultimodal

import (
	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/adapter/sdkchat"
	"github.com/agentz/agentz/internal/logging"
)

// Adapter wraps sdkchat.Adapter, translating adapter.Attachment into the
// loop's own Attachment type before each Run.
type Adapter struct {
	*sdkchat.Adapter
}

// New constructs a multimodal Adapter.
func New(cfg sdkchat.Config, systemPrompt string, logger *logging.Logger) *Adapter {
	return &Adapter{Adapter: sdkchat.New(cfg, systemPrompt, logger)}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.AttachmentSetter = (*Adapter)(nil)

// SetAttachments implements adapter.AttachmentSetter.
func (a *Adapter) SetAttachments(attachments []adapter.Attachment) {
	out := make([]sdkchat.Attachment, len(attachments))
	for i, at := range attachments {
		out[i] = sdkchat.Attachment{MimeType: at.MimeType, Data: at.Data, FileName: at.FileName}
	}
	a.Adapter.SetPendingAttachments(out)
}
