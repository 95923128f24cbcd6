package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/memborsky/puckfetcher/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの形式。
// コマンドの対象になった購読番号がわかる場合はsubscriptionに入る。
type ErrorResponseBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Category     string `json:"category"`
	Action       string `json:"action"`
	Subscription int    `json:"subscription,omitempty"`
}

func bodyOf(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteJSON はvをJSONとしてステータスコード付きで書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse はAPIエラーをステータスコード付きで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, bodyOf(apiErr))
}

// WriteSubscriptionError は購読に対するコマンドの失敗を書き込む。
// indexは1始まりの購読番号。
func WriteSubscriptionError(w http.ResponseWriter, statusCode int, index int, apiErr *model.APIError) {
	body := bodyOf(apiErr)
	body.Subscription = index
	WriteJSON(w, statusCode, body)
}

// WriteRateLimitExceeded は429をRetry-After（秒）付きで書き込む。
func WriteRateLimitExceeded(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededAPIError())
}

// WriteInternalServerError は500を書き込む。詳細はログにだけ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalAPIError())
}
