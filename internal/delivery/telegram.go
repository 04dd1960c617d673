/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMessageMissing means a published message no longer exists in the channel
	ErrMessageMissing = errors.New("published message missing")
	// ErrUnavailable is a retryable Bot API failure
	ErrUnavailable = errors.New("messaging api unavailable")
)

const (
	maxGroupSize = 10
	minGroupSize = 2
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
	".avi":  true,
}

// Content is what gets posted for a deal
type Content struct {
	Text       string
	MediaUrls  []string
	ButtonText string
	ButtonUrl  string
}

func (c Content) hasButton() bool {
	return c.ButtonText != "" && c.ButtonUrl != ""
}

// Client publishes through the Telegram Bot API
type Client struct {
	baseUrl      string
	httpClient   *http.Client
	verifyChatId int64
	callTimeout  time.Duration
}

func NewClient(apiUrl, botToken string, verifyChatId int64, callTimeout time.Duration, httpClient *http.Client) *Client {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Client{
		baseUrl:      strings.TrimRight(apiUrl, "/") + "/bot" + botToken,
		httpClient:   httpClient,
		verifyChatId: verifyChatId,
		callTimeout:  callTimeout,
	}
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type message struct {
	MessageId int64 `json:"message_id"`
}

type inlineButton struct {
	Text string `json:"text"`
	Url  string `json:"url"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inputMedia struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// Publish posts the content to the channel and returns the ids of every message sent.
// On error the returned ids are the messages already live in the channel, if any.
func (c *Client) Publish(ctx context.Context, chatId int64, content Content) ([]int64, error) {
	switch n := len(content.MediaUrls); {
	case n == 0:
		if content.Text == "" {
			return nil, fmt.Errorf("nothing to publish")
		}
		id, err := c.sendText(ctx, chatId, content.Text, content)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil

	case n == 1:
		id, err := c.sendSingleMedia(ctx, chatId, content)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil

	case n > maxGroupSize:
		return nil, fmt.Errorf("media group holds at most %d items, got %d", maxGroupSize, n)

	default:
		ids, err := c.sendMediaGroup(ctx, chatId, content)
		if err != nil {
			return nil, err
		}
		// Media groups cannot carry an inline keyboard, so the button trails as its own message
		if content.hasButton() {
			id, err := c.sendText(ctx, chatId, content.ButtonText, content)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
}

// Verify confirms the message still exists by copying it to the verification chat and deleting the copy
func (c *Client) Verify(ctx context.Context, chatId, messageId int64) error {
	if c.verifyChatId == 0 {
		return fmt.Errorf("verification chat is not configured")
	}

	var copied message
	err := c.call(ctx, "copyMessage", map[string]any{
		"chat_id":              c.verifyChatId,
		"from_chat_id":         chatId,
		"message_id":           messageId,
		"disable_notification": true,
	}, &copied)
	if err != nil {
		return err
	}

	if err := c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    c.verifyChatId,
		"message_id": copied.MessageId,
	}, nil); err != nil {
		zap.L().Warn("Failed to delete verification copy",
			zap.Int64("chat_id", c.verifyChatId),
			zap.Int64("message_id", copied.MessageId),
			zap.Error(err))
	}
	return nil
}

func (c *Client) sendText(ctx context.Context, chatId int64, text string, content Content) (int64, error) {
	params := map[string]any{
		"chat_id": chatId,
		"text":    text,
	}
	if markup := keyboard(content); markup != nil {
		params["reply_markup"] = markup
	}

	var sent message
	if err := c.call(ctx, "sendMessage", params, &sent); err != nil {
		return 0, err
	}
	return sent.MessageId, nil
}

func (c *Client) sendSingleMedia(ctx context.Context, chatId int64, content Content) (int64, error) {
	url := content.MediaUrls[0]
	method, field := "sendPhoto", "photo"
	if MediaType(url) == "video" {
		method, field = "sendVideo", "video"
	}

	params := map[string]any{
		"chat_id": chatId,
		field:     url,
	}
	if content.Text != "" {
		params["caption"] = content.Text
	}
	if markup := keyboard(content); markup != nil {
		params["reply_markup"] = markup
	}

	var sent message
	if err := c.call(ctx, method, params, &sent); err != nil {
		return 0, err
	}
	return sent.MessageId, nil
}

func (c *Client) sendMediaGroup(ctx context.Context, chatId int64, content Content) ([]int64, error) {
	if len(content.MediaUrls) < minGroupSize {
		return nil, fmt.Errorf("media group needs at least %d items", minGroupSize)
	}

	media := make([]inputMedia, len(content.MediaUrls))
	for i, url := range content.MediaUrls {
		media[i] = inputMedia{Type: MediaType(url), Media: url}
	}
	media[0].Caption = content.Text

	var sent []message
	if err := c.call(ctx, "sendMediaGroup", map[string]any{
		"chat_id": chatId,
		"media":   media,
	}, &sent); err != nil {
		return nil, err
	}

	ids := make([]int64, len(sent))
	for i, m := range sent {
		ids[i] = m.MessageId
	}
	return ids, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("unable to encode %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseUrl+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unable to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrUnavailable, method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %s returned HTTP %d with undecodable body", ErrUnavailable, method, resp.StatusCode)
	}
	if !envelope.Ok {
		if isMessageMissing(envelope.Description) {
			return fmt.Errorf("%w: %s", ErrMessageMissing, envelope.Description)
		}
		return fmt.Errorf("%w: %s failed with %d: %s", ErrUnavailable, method, envelope.ErrorCode, envelope.Description)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("unable to decode %s result: %w", method, err)
	}
	return nil
}

// MediaType infers "video" or "photo" from the url's file extension
func MediaType(url string) string {
	clean := url
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	if videoExtensions[strings.ToLower(path.Ext(clean))] {
		return "video"
	}
	return "photo"
}

func keyboard(content Content) *replyMarkup {
	if !content.hasButton() {
		return nil
	}
	return &replyMarkup{InlineKeyboard: [][]inlineButton{{{Text: content.ButtonText, Url: content.ButtonUrl}}}}
}

func isMessageMissing(description string) bool {
	d := strings.ToLower(description)
	return strings.Contains(d, "message to copy not found") || strings.Contains(d, "message not found")
}
