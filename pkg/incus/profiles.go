package incus

import (
	"context"
	"net/url"
)

// Profile is the API shape of an instance profile.
type Profile struct {
	Name        string                       `json:"name"`
	Config      map[string]string            `json:"config"`
	Devices     map[string]map[string]string `json:"devices"`
	Description string                       `json:"description"`
}

func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	if err := c.get(ctx, "/profiles?recursion=1", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Profile(ctx context.Context, name string) (*Profile, error) {
	var out Profile
	if err := c.get(ctx, "/profiles/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProfileCreate(ctx context.Context, profile Profile) error {
	return c.post(ctx, "/profiles", profile)
}

// ProfileUpdate patches config, devices and description. Like instances,
// device entries are replaced wholesale per name.
func (c *Client) ProfileUpdate(ctx context.Context, name string, profile Profile) error {
	return c.patch(ctx, "/profiles/"+url.PathEscape(name), profile)
}

func (c *Client) ProfileDelete(ctx context.Context, name string) error {
	return c.delete(ctx, "/profiles/"+url.PathEscape(name), nil)
}
