package kick_http

import (
	"context"
	"fmt"
)

type user struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

type usersResponse struct {
	Data []user `json:"data"`
}

// BroadcasterID returns the user id of the token owner. The first successful
// lookup is cached; concurrent first callers share one request.
func (c *Client) BroadcasterID(ctx context.Context) (int64, error) {
	c.bidMu.RLock()
	bid := c.bid
	c.bidMu.RUnlock()
	if bid != 0 {
		return bid, nil
	}

	v, err, _ := c.bidSF.Do("bid", func() (any, error) {
		var resp usersResponse
		if err := c.get(ctx, "/public/v1/users", &resp); err != nil {
			return int64(0), fmt.Errorf("get users: %w", err)
		}
		if len(resp.Data) == 0 || resp.Data[0].UserID == 0 {
			return int64(0), fmt.Errorf("get users: no user in response")
		}
		id := resp.Data[0].UserID
		c.bidMu.Lock()
		c.bid = id
		c.bidMu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
