package stripe

import "go.uber.org/fx"

var Module = fx.Module("providers.stripe",
	fx.Provide(NewClient),
	fx.Provide(func(c *Client) Provider { return c }),
	fx.Provide(NewVerifier),
)
