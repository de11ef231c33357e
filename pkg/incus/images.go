package incus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Image is the API shape of a cached image.
type Image struct {
	Fingerprint string            `json:"fingerprint"`
	Public      bool              `json:"public"`
	AutoUpdate  bool              `json:"auto_update"`
	Properties  map[string]string `json:"properties"`
	Aliases     []ImageAlias      `json:"aliases"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ImageAlias maps a human name to an image fingerprint.
type ImageAlias struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Target      string `json:"target,omitempty"`
}

// ImagePut is the mutable subset sent on update.
type ImagePut struct {
	Public     *bool             `json:"public,omitempty"`
	AutoUpdate *bool             `json:"auto_update,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (c *Client) Images(ctx context.Context) ([]Image, error) {
	var out []Image
	if err := c.get(ctx, "/images?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Image(ctx context.Context, fingerprint string) (*Image, error) {
	var out Image
	if err := c.get(ctx, "/images/"+url.PathEscape(fingerprint), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImageAliasGet resolves an alias name to its target fingerprint. Returns
// ErrNotFound when the alias does not exist.
func (c *Client) ImageAliasGet(ctx context.Context, name string) (*ImageAlias, error) {
	var out ImageAlias
	if err := c.get(ctx, "/images/aliases/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ImageAliases(ctx context.Context) ([]ImageAlias, error) {
	var out []ImageAlias
	if err := c.get(ctx, "/images/aliases?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ImageAliasCreate(ctx context.Context, name, target string) error {
	return c.post(ctx, "/images/aliases", map[string]string{"name": name, "target": target})
}

func (c *Client) ImageAliasDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/images/aliases/"+url.PathEscape(name), nil)
}

// ImageImportRemote pulls an image from a remote server. Blocks until the
// download operation completes and returns the new image's fingerprint.
func (c *Client) ImageImportRemote(ctx context.Context, server, protocol, alias string, public, autoUpdate bool, aliases []string) (string, error) {
	if protocol == "" {
		protocol = "simplestreams"
	}
	aliasObjs := make([]ImageAlias, 0, len(aliases))
	for _, a := range aliases {
		aliasObjs = append(aliasObjs, ImageAlias{Name: a})
	}
	body := map[string]interface{}{
		"source": map[string]string{
			"type":     "image",
			"mode":     "pull",
			"server":   server,
			"protocol": protocol,
			"alias":    alias,
		},
		"public":      public,
		"auto_update": autoUpdate,
		"aliases":     aliasObjs,
	}

	_, op, err := c.call(ctx, "POST", "/images", body)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", fmt.Errorf("image import returned no operation")
	}
	fp, _ := op.Metadata["fingerprint"].(string)
	if fp == "" {
		return "", fmt.Errorf("image import operation carried no fingerprint")
	}
	return fp, nil
}

// ImageUpdate replaces the mutable image fields.
func (c *Client) ImageUpdate(ctx context.Context, fingerprint string, put ImagePut) error {
	return c.put(ctx, "/images/"+url.PathEscape(fingerprint), put)
}

func (c *Client) ImageDelete(ctx context.Context, fingerprint string) error {
	return c.delete(ctx, "/images/"+url.PathEscape(fingerprint), nil)
}

// ImageImportFile uploads an image tarball from the local filesystem.
// Aliases are not part of the upload request; callers reconcile them
// afterwards. Returns the new image's fingerprint.
func (c *Client) ImageImportFile(ctx context.Context, path string, public bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images", f)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if public {
		req.Header.Set("X-Incus-public", "1")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return "", wrapTimeout("POST /images", err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode image upload response: %w", err)
	}
	if httpResp.StatusCode >= 400 || resp.Type == "error" {
		msg := resp.Error
		if msg == "" {
			msg = httpResp.Status
		}
		return "", &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp.Type == "async" && resp.Operation != "" {
		op, err := c.waitOperation(ctx, resp.Operation)
		if err != nil {
			return "", err
		}
		fp, _ := op.Metadata["fingerprint"].(string)
		if fp == "" {
			return "", fmt.Errorf("image upload operation carried no fingerprint")
		}
		return fp, nil
	}

	var img Image
	if err := json.Unmarshal(resp.Metadata, &img); err != nil {
		return "", fmt.Errorf("failed to decode uploaded image: %w", err)
	}
	return img.Fingerprint, nil
}
