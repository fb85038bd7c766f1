package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/config"
	"github.com/voxdeck/voxdeck-audio/internal/protocol"
)

// Client fetches card sets from the deck service and maps them to
// playback items.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.CardsConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		logger:  logger.With(slog.String("component", "cards")),
	}
}

type cardEntry struct {
	ID      int    `json:"id"`
	Word    string `json:"word"`
	Example string `json:"example"`
}

type cardsResponse struct {
	Success bool        `json:"success"`
	Cards   []cardEntry `json:"cards"`
	Error   string      `json:"error,omitempty"`
}

// Fetch returns the playable items of the named set. Cards with an
// empty word are dropped; an empty example just means the item has no
// secondary clip.
func (c *Client) Fetch(ctx context.Context, set string) ([]protocol.PlaybackItem, error) {
	endpoint := fmt.Sprintf("%s/api/cards/%s", c.baseURL, url.PathEscape(set))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch card set %q: %w", set, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("card service returned status %s for set %q", resp.Status, set)
	}

	var decoded cardsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode card set %q: %w", set, err)
	}
	if !decoded.Success {
		if decoded.Error == "" {
			decoded.Error = "unknown error"
		}
		return nil, fmt.Errorf("card service rejected set %q: %s", set, decoded.Error)
	}

	items := make([]protocol.PlaybackItem, 0, len(decoded.Cards))
	for _, card := range decoded.Cards {
		word := strings.TrimSpace(card.Word)
		if word == "" {
			c.logger.Debug("dropping card without a word", slog.Int("id", card.ID))
			continue
		}
		items = append(items, protocol.PlaybackItem{
			ID:        strconv.Itoa(card.ID),
			Primary:   word,
			Secondary: strings.TrimSpace(card.Example),
		})
	}
	return items, nil
}
