package dialogue

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/arzzra/voice_bot/pkg/logger"
)

// BusyChecker спрашивает у n8n, есть ли выполняющиеся сценарии.
// Одновременные проверки от разных сессий объединяются в один запрос.
// Ошибки трактуются как "не занят": лучше ответить дважды, чем замолчать.
type BusyChecker struct {
	url    string
	apiKey string
	http   *http.Client
	group  singleflight.Group
	log    *slog.Logger
}

// NewBusyChecker создает проверку. apiBase адрес публичного API n8n,
// например https://n8n.example.com/api/v1. Пустой apiBase отключает проверку.
func NewBusyChecker(apiBase, apiKey string, timeout time.Duration) *BusyChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &BusyChecker{
		url:    strings.TrimSuffix(apiBase, "/"),
		apiKey: apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.With("dialogue"),
	}
}

// Enabled настроена ли проверка
func (b *BusyChecker) Enabled() bool {
	return b != nil && b.url != "" && b.apiKey != ""
}

// Busy true если у бэкенда есть выполняющийся сценарий
func (b *BusyChecker) Busy(ctx context.Context) bool {
	if !b.Enabled() {
		return false
	}

	v, err, _ := b.group.Do("executions", func() (any, error) {
		return b.check(ctx)
	})
	if err != nil {
		b.log.Debug("busy check failed, assuming idle", "error", err)
		return false
	}
	return v.(bool)
}

func (b *BusyChecker) check(ctx context.Context) (bool, error) {
	u := b.url + "/executions?" + url.Values{"status": {"running"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-N8N-API-KEY", b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return len(body.Data) > 0, nil
}
