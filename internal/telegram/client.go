// Package telegram is a thin Bot API client covering the handful of
// methods the fleet needs: identity lookup, publishing a screenshot, and
// editing a published screenshot in place.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const defaultAPIBase = "https://api.telegram.org"

// User is the bot's own identity as Telegram reports it.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// FullName joins first and last name the way Telegram clients display it.
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Client talks to the Bot API for a single bot token.
type Client struct {
	http  *resty.Client
	token string
}

// New builds a client. apiBase overrides the production endpoint; empty
// means api.telegram.org.
func New(token, apiBase string, log *logrus.Entry) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	http := resty.New().
		SetBaseURL(apiBase).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetLogger(log)
	return &Client{http: http, token: token}
}

// apiResponse is the Bot API envelope around every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, req *resty.Request, result any) error {
	resp, err := req.SetContext(ctx).Post("/bot" + c.token + "/" + method)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	var env apiResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("telegram %s: bad response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram %s: %s", method, env.Description)
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram %s: bad result: %w", method, err)
		}
	}
	return nil
}

// GetMe looks up the bot's own identity.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", c.http.R(), &u)
	return u, err
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// PublishNew sends image as a new photo message and returns the message
// identity used for later in-place edits.
func (c *Client) PublishNew(ctx context.Context, chatID int64, image []byte) (string, error) {
	req := c.http.R().
		SetFormData(map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}).
		SetFileReader("photo", "screen.png", bytes.NewReader(image))

	var m message
	if err := c.call(ctx, "sendPhoto", req, &m); err != nil {
		return "", err
	}
	return strconv.FormatInt(m.MessageID, 10), nil
}

// Publish replaces the photo of a previously published message. Telegram
// rejects an edit whose content is byte-identical to the current one; that
// comes back as an error and the caller decides whether it matters.
func (c *Client) Publish(ctx context.Context, chatID int64, screenshotID string, image []byte) error {
	media, err := json.Marshal(map[string]string{
		"type":  "photo",
		"media": "attach://photo",
	})
	if err != nil {
		return err
	}
	req := c.http.R().
		SetFormData(map[string]string{
			"chat_id":    strconv.FormatInt(chatID, 10),
			"message_id": screenshotID,
			"media":      string(media),
		}).
		SetFileReader("photo", "screen.png", bytes.NewReader(image))
	return c.call(ctx, "editMessageMedia", req, nil)
}
