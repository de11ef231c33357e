package incus

import "context"

// Server is the API shape of the server's global state. Only the config
// map participates in reconciliation.
type Server struct {
	Config map[string]string `json:"config"`
}

// ServerGet fetches the server's global configuration.
func (c *Client) ServerGet(ctx context.Context) (*Server, error) {
	var out Server
	if err := c.get(ctx, "", &out); err != nil {
		return nil, err
	}
	if out.Config == nil {
		out.Config = map[string]string{}
	}
	return &out, nil
}

// ServerReplace replaces the entire global config. Keys absent from config
// revert to their defaults.
func (c *Client) ServerReplace(ctx context.Context, config map[string]string) error {
	return c.put(ctx, "", Server{Config: config})
}

// ServerUpdate merges config into the live global config, leaving
// undeclared keys untouched. Setting a key requires a full PUT of the
// merged map: the server has no per-key endpoint.
func (c *Client) ServerUpdate(ctx context.Context, config map[string]string) error {
	live, err := c.ServerGet(ctx)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(live.Config)+len(config))
	for k, v := range live.Config {
		merged[k] = v
	}
	for k, v := range config {
		merged[k] = v
	}
	return c.put(ctx, "", Server{Config: merged})
}

// ServerUnset removes a single key, reverting it to the server default.
func (c *Client) ServerUnset(ctx context.Context, key string) error {
	live, err := c.ServerGet(ctx)
	if err != nil {
		return err
	}
	if _, ok := live.Config[key]; !ok {
		return nil
	}
	delete(live.Config, key)
	return c.put(ctx, "", Server{Config: live.Config})
}
