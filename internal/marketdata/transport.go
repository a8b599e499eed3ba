package marketdata

import "marketcache/internal/apperror"

const (
	ActionRemoveFailedTicker = "remove_failed_ticker"
	ActionClearByTicker      = "clear_by_ticker"
	ActionClearMarketData    = "clear_market_data"
	ActionClearEverything    = "clear_everything"
)

type ManageRequest struct {
	Action  string `json:"action"`
	Ticker  string `json:"ticker,omitempty"`
	Confirm string `json:"confirm,omitempty"`
}

func (r ManageRequest) Validate() *apperror.AppError {
	switch r.Action {
	case ActionRemoveFailedTicker, ActionClearByTicker:
		if r.Ticker == "" {
			return apperror.New(apperror.BadRequest, "ticker is required for action "+r.Action)
		}
	case ActionClearMarketData, ActionClearEverything:
	default:
		return apperror.New(apperror.BadRequest, "unknown action: "+r.Action)
	}
	return nil
}
