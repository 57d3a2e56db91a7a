package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/model"
)

// SendRequest describes a message to store. ID is chosen by the client so
// that the realtime echo of the insert can be matched to the local copy.
type SendRequest struct {
	ID         string
	ChatID     string
	SenderID   string
	Content    string
	Attachment *model.Attachment
}

type messageRow struct {
	ID             string  `json:"id"`
	ChatID         string  `json:"chat_id"`
	SenderID       string  `json:"sender_id"`
	Content        string  `json:"content"`
	AttachmentURL  *string `json:"attachment_url"`
	AttachmentType *string `json:"attachment_type"`
}

// SendMessage uploads the attachment if any, inserts the message and bumps
// the chat's updated_at. The bump is not transactional with the insert: a
// failed bump is logged and the stored message is still returned.
func (g *Gateway) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	if err := g.ready(); err != nil {
		return model.Message{}, err
	}
	if req.ChatID == "" {
		return model.Message{}, &backend.ValidationError{Field: "chat", Reason: "is required"}
	}
	if req.SenderID == "" {
		return model.Message{}, &backend.ValidationError{Field: "sender", Reason: "is required"}
	}
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return model.Message{}, &backend.ValidationError{Field: "message", Reason: "is empty"}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	row := messageRow{
		ID:       req.ID,
		ChatID:   req.ChatID,
		SenderID: req.SenderID,
		Content:  req.Content,
	}
	if a := req.Attachment; a != nil {
		url, typ, err := g.uploadAttachment(ctx, req.SenderID, a)
		if err != nil {
			return model.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		t := string(typ)
		row.AttachmentURL = &url
		row.AttachmentType = &t
	}

	var stored model.Message
	if err := g.be.Insert(ctx, TableMessages, row, &stored); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	bump := map[string]string{"updated_at": g.now().UTC().Format(time.RFC3339Nano)}
	if err := g.be.Update(ctx, TableChats, backend.NewQuery().Eq("id", req.ChatID), bump, nil); err != nil {
		g.logger.Warn("failed to bump chat updated_at", zap.Error(err), zap.String("chat_id", req.ChatID))
	}
	return stored, nil
}

func (g *Gateway) uploadAttachment(ctx context.Context, senderID string, a *model.Attachment) (string, model.AttachmentType, error) {
	contentType := a.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(a.Data).String()
	}
	ext := filepath.Ext(a.Name)
	if ext == "" {
		if m := mimetype.Lookup(stripParams(contentType)); m != nil {
			ext = m.Extension()
		}
	}
	path := AttachmentPath(senderID, g.now(), uuid.NewString(), ext)
	if err := g.be.Upload(ctx, g.bucket, path, a.Data, contentType); err != nil {
		return "", "", err
	}
	return g.be.PublicURL(g.bucket, path), ClassifyAttachment(contentType, a.Data), nil
}

// AttachmentPath is the object path of an upload: <sender>/<unix ms>-<id><ext>.
func AttachmentPath(senderID string, at time.Time, id, ext string) string {
	return fmt.Sprintf("%s/%d-%s%s", senderID, at.UnixMilli(), id, ext)
}

// ClassifyAttachment maps a MIME type to an attachment type. An empty
// declared type is sniffed from data.
func ClassifyAttachment(declared string, data []byte) model.AttachmentType {
	if declared == "" {
		declared = mimetype.Detect(data).String()
	}
	switch {
	case strings.Contains(declared, "image"):
		return model.AttachmentImage
	case strings.Contains(declared, "video"):
		return model.AttachmentVideo
	default:
		return model.AttachmentDocument
	}
}

func stripParams(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return contentType
}
