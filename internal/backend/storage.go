package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Objects is bucket storage.
type Objects interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
	PublicURL(bucket, path string) string
}

func objectPath(bucket, path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

// Upload stores data at path inside bucket. Existing objects are not replaced.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := http.Header{}
	h.Set("x-upsert", "false")
	h.Set("Cache-Control", "max-age=3600")
	_, err := c.send(ctx, "upload "+path, request{
		service:     "storage",
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + objectPath(bucket, path),
		header:      h,
		body:        data,
		contentType: contentType,
	})
	return err
}

// PublicURL is the unauthenticated download URL of an object in a public bucket.
func (c *Client) PublicURL(bucket, path string) string {
	return c.base.String() + "/storage/v1/object/public/" + objectPath(bucket, path)
}
