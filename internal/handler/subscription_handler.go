package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/memborsky/puckfetcher/internal/middleware"
	"github.com/memborsky/puckfetcher/internal/model"
	"github.com/memborsky/puckfetcher/internal/subscription"
)

// SubscriptionManager は購読ハンドラーが必要とするManagerのインターフェース。
// インデックスは0始まり。
type SubscriptionManager interface {
	UpdateAll(ctx context.Context) error
	Update(ctx context.Context, index int) (model.Outcome, error)
	Enqueue(ctx context.Context, index int, nums []int) (model.Outcome, error)
	Mark(ctx context.Context, index int, nums []int) (model.Outcome, error)
	Unmark(ctx context.Context, index int, nums []int) (model.Outcome, error)
	DownloadQueue(ctx context.Context, index int) (model.Outcome, error)
	Summaries() []subscription.Summary
	Summary(index int) (subscription.Summary, error)
	Details(index int) (string, error)
	Len() int
}

// maxRequestBodySize はエントリ番号コマンドのリクエストボディの上限。
const maxRequestBodySize = 64 << 10

// SubscriptionHandler は購読操作のHTTPハンドラー。
// URLの{index}は一覧表示と同じ1始まりの番号。
type SubscriptionHandler struct {
	manager SubscriptionManager
	logger  *slog.Logger
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(manager SubscriptionManager, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		manager: manager,
		logger:  logger,
	}
}

// subscriptionDetailResponse は購読詳細のAPIレスポンス。
type subscriptionDetailResponse struct {
	subscription.Summary
	Details string `json:"details"`
}

// outcomeResponse はコマンド実行結果のAPIレスポンス。
type outcomeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// numbersRequest はenqueue/mark/unmarkのリクエストボディ。
// numbersとspec（"1 3-5" 形式）の両方を指定した場合は和集合になる。
type numbersRequest struct {
	Numbers []int  `json:"numbers"`
	Spec    string `json:"spec"`
}

// ListSubscriptions は購読一覧を返す。
// GET /api/subscriptions
func (h *SubscriptionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.manager.Summaries())
}

// GetSubscription は購読の概要とキュー・エントリ状態の詳細を返す。
// GET /api/subscriptions/{index}
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}

	summary, err := h.manager.Summary(index)
	if err != nil {
		h.handleError(w, err)
		return
	}
	details, err := h.manager.Details(index)
	if err != nil {
		h.handleError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, subscriptionDetailResponse{Summary: summary, Details: details})
}

// UpdateAll はすべての購読を更新する。個々の購読の失敗はログにのみ記録される。
// POST /api/subscriptions/update
func (h *SubscriptionHandler) UpdateAll(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.UpdateAll(r.Context()); err != nil {
		h.handleError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, outcomeResponse{Success: true, Message: "Updated all subscriptions."})
}

// Update は1件の購読を更新し、キューを処理する。
// POST /api/subscriptions/{index}/update
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	outcome, err := h.manager.Update(r.Context(), index)
	h.writeOutcome(w, index, outcome, err)
}

// DownloadQueue は購読のキューを処理する。
// POST /api/subscriptions/{index}/download-queue
func (h *SubscriptionHandler) DownloadQueue(w http.ResponseWriter, r *http.Request) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}
	outcome, err := h.manager.DownloadQueue(r.Context(), index)
	h.writeOutcome(w, index, outcome, err)
}

// Enqueue はエントリ番号をキューに追加する。
// POST /api/subscriptions/{index}/enqueue
func (h *SubscriptionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	h.numbersCommand(w, r, h.manager.Enqueue)
}

// Mark はエントリ番号をダウンロード済みとして記録する。
// POST /api/subscriptions/{index}/mark
func (h *SubscriptionHandler) Mark(w http.ResponseWriter, r *http.Request) {
	h.numbersCommand(w, r, h.manager.Mark)
}

// Unmark はエントリ番号のダウンロード済みの記録を消す。
// POST /api/subscriptions/{index}/unmark
func (h *SubscriptionHandler) Unmark(w http.ResponseWriter, r *http.Request) {
	h.numbersCommand(w, r, h.manager.Unmark)
}

func (h *SubscriptionHandler) numbersCommand(
	w http.ResponseWriter,
	r *http.Request,
	command func(ctx context.Context, index int, nums []int) (model.Outcome, error),
) {
	index, ok := h.index(w, r)
	if !ok {
		return
	}

	var req numbersRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError())
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	nums := req.Numbers
	if req.Spec != "" {
		parsed, invalid := subscription.ParseNumbers(req.Spec)
		if len(invalid) > 0 {
			h.logger.Warn("解釈できないエントリ番号を無視しました", slog.Any("tokens", invalid))
		}
		nums = append(nums, parsed...)
	}

	outcome, err := command(r.Context(), index, nums)
	h.writeOutcome(w, index, outcome, err)
}

// index はURLの1始まりの番号を検証し、Managerの0始まりのインデックスを返す。
func (h *SubscriptionHandler) index(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > h.manager.Len() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewSubscriptionNotFoundError(raw))
		return 0, false
	}
	return n - 1, true
}

// writeOutcome はコマンドの結果を書き込む。
// 成功は200、取得やダウンロードの失敗は原因に応じたAPIエラーになる。
func (h *SubscriptionHandler) writeOutcome(w http.ResponseWriter, index int, outcome model.Outcome, err error) {
	if err != nil {
		h.handleError(w, err)
		return
	}
	if outcome.Success {
		middleware.WriteJSON(w, http.StatusOK, outcomeResponse{Success: true, Message: outcome.Message})
		return
	}

	status, apiErr := outcomeError(outcome)
	middleware.WriteSubscriptionError(w, status, index+1, apiErr)
}

// outcomeError は失敗したコマンド結果をステータスコードとAPIエラーに対応づける。
func outcomeError(outcome model.Outcome) (int, *model.APIError) {
	var unreachable *model.UnreachableFeedError
	var malformed *model.MalformedFeedError
	switch {
	case errors.As(outcome.Err, &unreachable):
		return http.StatusBadGateway, model.NewUnreachableFeedAPIError(outcome.Message)
	case errors.As(outcome.Err, &malformed):
		return http.StatusUnprocessableEntity, model.NewMalformedFeedAPIError()
	case errors.Is(outcome.Err, model.ErrInvalidBacklogLimit):
		return http.StatusConflict, model.NewInvalidBacklogLimitAPIError()
	default:
		return http.StatusBadGateway, model.NewDownloadFailedAPIError(outcome.Message)
	}
}

// handleError はManagerから返されたエラーを適切なHTTPステータスコードに変換する。
func (h *SubscriptionHandler) handleError(w http.ResponseWriter, err error) {
	var bad *model.BadCommandError
	if errors.As(err, &bad) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadCommandAPIError(bad.Desc))
		return
	}

	h.logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
