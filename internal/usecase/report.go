package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/parser"
)

const contentTypeJSON = "application/json"

// forbiddenArgs はエンジンの入出力先を変えるため受け付けない引数.
var forbiddenArgs = map[string]bool{
	"--file":      true,
	"--output":    true,
	"--init-file": true,
	"--price-db":  true,
	"--script":    true,
}

// ReportConfig はレポートの設定
type ReportConfig struct {
	Prefix    string
	Journal   domain.JournalSource
	Cache     domain.CacheManager // nil ならキャッシュしない
	Formatter *Formatter
	Logger    domain.Logger
	Metrics   domain.MetricsCollector
	// Timeout は1リクエストあたりのエンジン呼び出しの上限. 0 なら無制限.
	Timeout time.Duration
}

// ReportUseCase はリクエストをルーティングしてレポートを返す.
type ReportUseCase struct {
	journal   domain.JournalSource
	cache     domain.CacheManager
	formatter *Formatter
	logger    domain.Logger
	metrics   domain.MetricsCollector
	timeout   time.Duration

	registerRoute []string
	accountsRoute []string
}

var _ domain.Responder = (*ReportUseCase)(nil)

// NewReportUseCase は新しいReportUseCaseインスタンスを作成
func NewReportUseCase(config ReportConfig) *ReportUseCase {
	formatter := config.Formatter
	if formatter == nil {
		formatter = NewFormatter(RoundHalfUp)
	}

	base := []string{""}
	if prefix := strings.Trim(config.Prefix, "/"); prefix != "" {
		base = append(base, strings.Split(prefix, "/")...)
	}

	return &ReportUseCase{
		journal:       config.Journal,
		cache:         config.Cache,
		formatter:     formatter,
		logger:        config.Logger,
		metrics:       config.Metrics,
		timeout:       config.Timeout,
		registerRoute: append(append([]string(nil), base...), "report", "register"),
		accountsRoute: append(append([]string(nil), base...), "accounts"),
	}
}

// Routes はルートのパスを返す.
func (uc *ReportUseCase) Routes() (register, accounts string) {
	return strings.Join(uc.registerRoute, "/"), strings.Join(uc.accountsRoute, "/")
}

// Respond はリクエストに対するレスポンスを返す. エラーやパニックは 400 にする.
func (uc *ReportUseCase) Respond(req domain.Request) (resp domain.Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			uc.metrics.RecordError()
			uc.logger.Error("Unknown error while responding to request", fmt.Errorf("panic: %v", r),
				map[string]interface{}{"request": req.String()})
			resp = failure(http.StatusBadRequest)
		}
		uc.logger.Debug("Request answered", map[string]interface{}{
			"method":   req.Method,
			"path":     req.Path,
			"status":   resp.StatusCode,
			"duration": time.Since(start).String(),
		})
	}()

	ctx := context.Background()
	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	journal, gen, err := uc.journal.EnsureFresh(ctx)
	if err != nil {
		uc.metrics.RecordError()
		uc.logger.Warn("Rejecting request while ledger is unavailable", map[string]interface{}{
			"method": req.Method,
			"path":   req.Path,
			"error":  err.Error(),
		})
		return failure(http.StatusBadRequest)
	}

	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return failure(http.StatusMethodNotAllowed)
	}

	parts := parser.SplitPath(req.Path)
	switch {
	case slices.Equal(parts, uc.registerRoute) && req.Method == http.MethodGet:
		return uc.registerGET(ctx, journal, gen, req)
	case slices.Equal(parts, uc.registerRoute) && req.Method == http.MethodPost:
		return uc.registerPOST(ctx, journal, gen, req)
	case slices.Equal(parts, uc.accountsRoute) && req.Method == http.MethodGet:
		return uc.accounts(ctx, journal, gen, req)
	}

	uc.metrics.RecordNotFound()
	uc.logger.Warn("No route for request", map[string]interface{}{
		"method": req.Method,
		"path":   req.Path,
	})
	return failure(http.StatusNotFound)
}

func (uc *ReportUseCase) accounts(ctx context.Context, journal domain.Journal, gen uint64, req domain.Request) domain.Response {
	return uc.cached(req, gen, []string{"accounts"}, func() ([]byte, error) {
		accounts, err := journal.Accounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}

		var buf bytes.Buffer
		uc.formatter.Accounts(&buf, accounts)
		return buf.Bytes(), nil
	})
}

func (uc *ReportUseCase) registerGET(ctx context.Context, journal domain.Journal, gen uint64, req domain.Request) domain.Response {
	grouped := parser.GroupArgs(req.Args)
	query, ok := grouped["query"]
	if !ok {
		return uc.fail(req, domain.ErrMissingQuery)
	}
	args := grouped["args"]
	if err := CheckReportArgs(args); err != nil {
		return uc.fail(req, err)
	}
	if err := CheckReportArgs(query); err != nil {
		return uc.fail(req, err)
	}

	return uc.cached(req, gen, []string{"register", joinTokens(args), joinTokens(query)}, func() ([]byte, error) {
		posts, err := journal.Register(ctx, args, query)
		if err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}

		var buf bytes.Buffer
		if err := uc.formatter.Postings(&buf, posts); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

func (uc *ReportUseCase) registerPOST(ctx context.Context, journal domain.Journal, gen uint64, req domain.Request) domain.Response {
	objects, err := parser.ParseRequests(string(req.Body))
	if err != nil {
		return uc.fail(req, err)
	}

	type registerCall struct{ args, query []string }
	calls := make([]registerCall, 0, len(objects))
	keyParts := []string{"register_batch"}
	for i, obj := range objects {
		query, ok := obj["query"]
		if !ok {
			return uc.fail(req, fmt.Errorf("request %d: %w", i, domain.ErrMissingQuery))
		}
		if err := CheckReportArgs(obj["args"]); err != nil {
			return uc.fail(req, fmt.Errorf("request %d: %w", i, err))
		}
		if err := CheckReportArgs(query); err != nil {
			return uc.fail(req, fmt.Errorf("request %d: %w", i, err))
		}
		calls = append(calls, registerCall{args: obj["args"], query: query})
		keyParts = append(keyParts, joinTokens(obj["args"]), joinTokens(query))
	}

	return uc.cached(req, gen, keyParts, func() ([]byte, error) {
		batches := make([][]domain.Posting, 0, len(calls))
		for i, c := range calls {
			posts, err := journal.Register(ctx, c.args, c.query)
			if err != nil {
				return nil, fmt.Errorf("register request %d: %w", i, err)
			}
			batches = append(batches, posts)
		}

		var buf bytes.Buffer
		if err := uc.formatter.PostingBatches(&buf, batches); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

// cached はキャッシュにあればそれを返し、無ければ compute の結果を保存して返す.
func (uc *ReportUseCase) cached(req domain.Request, gen uint64, keyParts []string, compute func() ([]byte, error)) domain.Response {
	headers := map[string]string{"Content-Type": contentTypeJSON}

	var key string
	if uc.cache != nil {
		key = uc.cache.Key(keyParts...)
		if e, ok := uc.cache.Get(gen, key); ok {
			uc.metrics.RecordCacheHit()
			return domain.NewResponse(e.StatusCode, e.Data, e.Headers)
		}
		uc.metrics.RecordCacheMiss()
	}

	body, err := compute()
	if err != nil {
		return uc.fail(req, err)
	}

	if uc.cache != nil {
		entry := &domain.CacheEntry{
			StatusCode: http.StatusOK,
			Data:       body,
			Headers:    headers,
			CreatedAt:  time.Now(),
		}
		if err := uc.cache.Set(gen, key, entry); err != nil {
			uc.logger.Warn("Failed to cache report", map[string]interface{}{"error": err.Error()})
		}
	}
	return domain.NewResponse(http.StatusOK, body, headers)
}

func (uc *ReportUseCase) fail(req domain.Request, err error) domain.Response {
	fields := map[string]interface{}{
		"method": req.Method,
		"path":   req.Path,
		"error":  err.Error(),
	}

	switch {
	case errors.Is(err, domain.ErrMissingQuery),
		errors.Is(err, domain.ErrMalformedRequest),
		errors.Is(err, domain.ErrForbiddenArgument):
		uc.logger.Warn("Bad report request", fields)
	default:
		uc.metrics.RecordError()
		fields["request"] = req.String()
		uc.logger.Error("Report failed", err, fields)
	}
	return failure(http.StatusBadRequest)
}

// CheckReportArgs はエンジンの入出力先を変える引数を拒否する.
func CheckReportArgs(args []string) error {
	for _, a := range args {
		name, _, _ := strings.Cut(a, "=")
		if forbiddenArgs[name] {
			return fmt.Errorf("%w: %s", domain.ErrForbiddenArgument, name)
		}
		if !strings.HasPrefix(a, "--") && (strings.HasPrefix(a, "-f") || strings.HasPrefix(a, "-o")) {
			return fmt.Errorf("%w: %s", domain.ErrForbiddenArgument, a)
		}
	}
	return nil
}

func failure(status int) domain.Response {
	return domain.NewResponse(status, nil, nil)
}

// joinTokens はキャッシュキー用にトークン列を連結する.
func joinTokens(tokens []string) string {
	return strconv.Itoa(len(tokens)) + "\x1f" + strings.Join(tokens, "\x1f")
}
