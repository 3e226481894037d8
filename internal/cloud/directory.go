package cloud

import (
	"context"
	"net/http"

	"github.com/nerrad567/aromalink-core/internal/device"
)

// Directory lists the devices registered to the account.
type Directory struct {
	client *Client
	auth   *Authenticator
}

// NewDirectory creates a Directory.
func NewDirectory(client *Client, auth *Authenticator) *Directory {
	return &Directory{client: client, auth: auth}
}

// directoryGroup is one group node of the listAll tree.
type directoryGroup struct {
	Text     string           `json:"text"`
	Children []directoryEntry `json:"children"`
}

type directoryEntry struct {
	ID           flexID  `json:"id"`
	Text         string  `json:"text"`
	DeviceNo     string  `json:"deviceNo"`
	HasFan       flexInt `json:"hasFan"`
	OnlineStatus flexInt `json:"onlineStatus"`
}

// ListDevices returns every device on the account in server order.
// A rejected token is refreshed once and the call retried once.
func (d *Directory) ListDevices(ctx context.Context) ([]device.Info, error) {
	var groups []directoryGroup

	err := d.auth.authorized(ctx, func(s Session) error {
		env, err := d.client.do(ctx, request{
			method: http.MethodGet,
			path:   "/v1/app/device/listAll/" + s.UserID,
			token:  s.AccessToken,
		})
		if err != nil {
			return err
		}
		groups = nil
		return decodeData(env, &groups)
	})
	if err != nil {
		return nil, err
	}

	var out []device.Info
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, c := range g.Children {
			id := string(c.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, device.Info{
				ID:       id,
				Name:     c.Text,
				DeviceNo: c.DeviceNo,
				Group:    g.Text,
				HasFan:   c.HasFan == 1,
				Online:   c.OnlineStatus == 1,
			})
		}
	}
	return out, nil
}
