package cloud

import (
	"context"
	"errors"
	"time"
)

// Ack is the server's acceptance of a command.
type Ack struct {
	DeviceID string    `json:"device_id"`
	Command  string    `json:"command"`
	Code     int       `json:"code"`
	Msg      string    `json:"msg,omitempty"`
	At       time.Time `json:"at"`
}

// Control sends commands over the REST API.
//
// Each call runs under its own timeout, independent of the push
// connection. Rejected commands are not retried; a rejected token is
// refreshed and the command retried once.
type Control struct {
	client  *Client
	auth    *Authenticator
	timeout time.Duration
	now     func() time.Time
	logger  Logger
}

// NewControl creates a Control. A zero timeout uses the client's request
// timeout.
func NewControl(client *Client, auth *Authenticator, timeout time.Duration) *Control {
	if timeout <= 0 {
		timeout = client.RequestTimeout()
	}
	return &Control{
		client:  client,
		auth:    auth,
		timeout: timeout,
		now:     time.Now,
		logger:  client.logger,
	}
}

// SendCommand validates cmd and sends it for deviceID.
func (c *Control) SendCommand(ctx context.Context, deviceID string, cmd Command) (Ack, error) {
	if cmd == nil || deviceID == "" {
		return Ack{}, ErrInvalidCommand
	}
	if err := cmd.validate(); err != nil {
		return Ack{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var ack Ack
	err := c.auth.authorized(ctx, func(s Session) error {
		req := cmd.request(deviceID, s.UserID)
		req.token = s.AccessToken

		env, err := c.client.do(ctx, req)
		if err != nil {
			return err
		}
		if env.Code != codeOK {
			return &CommandError{DeviceID: deviceID, Command: cmd.Name(), Code: env.Code, Msg: env.Msg}
		}
		ack = Ack{DeviceID: deviceID, Command: cmd.Name(), Code: env.Code, Msg: env.Msg, At: c.now()}
		return nil
	})
	if err != nil {
		level := c.logger.Warn
		if errors.Is(err, ErrCommandRejected) {
			level = c.logger.Info
		}
		level("command failed",
			"device_id", deviceID,
			"command", cmd.Name(),
			"error", err,
		)
		return Ack{}, err
	}

	c.logger.Debug("command accepted", "device_id", deviceID, "command", cmd.Name())
	return ack, nil
}
