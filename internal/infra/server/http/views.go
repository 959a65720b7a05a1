package httpserver

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

type entryView struct {
	LeaderEventID       string    `json:"leaderEventId"`
	Kind                string    `json:"kind"`
	LeaderID            string    `json:"leaderId"`
	MarketID            string    `json:"marketId"`
	MarketTitle         string    `json:"marketTitle,omitempty"`
	Outcome             string    `json:"outcome,omitempty"`
	CategoryID          string    `json:"categoryId,omitempty"`
	Side                string    `json:"side"`
	ExitMode            string    `json:"exitMode,omitempty"`
	Status              string    `json:"status"`
	Terminal            bool      `json:"terminal"`
	Reason              string    `json:"reason,omitempty"`
	Detail              string    `json:"detail,omitempty"`
	ClientOrderID       string    `json:"clientOrderId,omitempty"`
	LeaderSize          string    `json:"leaderSize"`
	BandLow             string    `json:"bandLow"`
	BandHigh            string    `json:"bandHigh"`
	RequestedQty        string    `json:"requestedQty"`
	FilledQty           string    `json:"filledQty"`
	ReferencePrice      string    `json:"referencePrice"`
	LimitPrice          string    `json:"limitPrice"`
	AvgFillPrice        string    `json:"avgFillPrice"`
	LinkedLeaderEventID string    `json:"linkedLeaderEventId,omitempty"`
	ObservedAt          time.Time `json:"observedAt"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func entryViewOf(e ledgerstore.Entry) entryView {
	return entryView{
		LeaderEventID:       e.LeaderEventID,
		Kind:                string(e.Kind),
		LeaderID:            e.LeaderID,
		MarketID:            e.MarketID,
		MarketTitle:         e.MarketTitle,
		Outcome:             e.Outcome,
		CategoryID:          e.CategoryID,
		Side:                string(e.Side),
		ExitMode:            string(e.ExitMode),
		Status:              string(e.Status),
		Terminal:            e.Status.Terminal(),
		Reason:              e.Reason,
		Detail:              e.Detail,
		ClientOrderID:       e.ClientOrderID,
		LeaderSize:          e.LeaderSize.String(),
		BandLow:             e.BandLow.String(),
		BandHigh:            e.BandHigh.String(),
		RequestedQty:        e.RequestedQty.String(),
		FilledQty:           e.FilledQty.String(),
		ReferencePrice:      e.ReferencePrice.String(),
		LimitPrice:          e.LimitPrice.String(),
		AvgFillPrice:        e.AvgFillPrice.String(),
		LinkedLeaderEventID: e.LinkedLeaderEventID,
		ObservedAt:          e.ObservedAt,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}

type positionView struct {
	MarketID            string     `json:"marketId"`
	OpenedAt            time.Time  `json:"openedAt"`
	CategoryID          string     `json:"categoryId"`
	LeaderID            string     `json:"leaderId"`
	Side                string     `json:"side"`
	Quantity            string     `json:"quantity"`
	AvgEntryPrice       string     `json:"avgEntryPrice"`
	CostBasis           string     `json:"costBasis"`
	RealizedPnL         string     `json:"realizedPnl"`
	ExitMode            string     `json:"exitMode"`
	TakeProfit          string     `json:"takeProfit,omitempty"`
	StopLoss            string     `json:"stopLoss,omitempty"`
	State               string     `json:"state"`
	LinkedLeaderEventID string     `json:"linkedLeaderEventId,omitempty"`
	PendingExitID       string     `json:"pendingExitId,omitempty"`
	ExitAttempts        int        `json:"exitAttempts"`
	ClosedAt            *time.Time `json:"closedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func positionViewOf(p ledgerstore.Position) positionView {
	v := positionView{
		MarketID:            p.MarketID,
		OpenedAt:            p.OpenedAt,
		CategoryID:          p.CategoryID,
		LeaderID:            p.LeaderID,
		Side:                string(p.Side),
		Quantity:            p.Quantity.String(),
		AvgEntryPrice:       p.AvgEntryPrice.String(),
		CostBasis:           p.CostBasis.String(),
		RealizedPnL:         p.RealizedPnL.String(),
		ExitMode:            string(p.Exit.Mode),
		State:               string(p.State),
		LinkedLeaderEventID: p.LinkedLeaderEventID,
		PendingExitID:       p.PendingExitID,
		ExitAttempts:        p.ExitAttempts,
		ClosedAt:            p.ClosedAt,
		UpdatedAt:           p.UpdatedAt,
	}
	if p.Exit.Mode == ledgerstore.ExitTPSL {
		v.TakeProfit = p.Exit.TakeProfit.String()
		v.StopLoss = p.Exit.StopLoss.String()
	}
	return v
}

type limitsView struct {
	MaxSlippagePct         string `json:"maxSlippagePct"`
	MaxSpreadPct           string `json:"maxSpreadPct"`
	MinLiquidity           string `json:"minLiquidity"`
	MaxExposurePerMarket   string `json:"maxExposurePerMarket"`
	MaxExposurePerCategory string `json:"maxExposurePerCategory"`
	CopyMode               string `json:"copyMode"`
	StakeUnit              string `json:"stakeUnit"`
	MinTradeNotional       string `json:"minTradeNotional"`
	MaxTradeNotional       string `json:"maxTradeNotional"`
	MaxPlanAge             string `json:"maxPlanAge"`
	SaneSpreadPct          string `json:"saneSpreadPct"`
	MinPrice               string `json:"minPrice"`
	MaxPrice               string `json:"maxPrice"`
}

func limitsViewOf(l risk.Limits) limitsView {
	return limitsView{
		MaxSlippagePct:         l.MaxSlippagePct.String(),
		MaxSpreadPct:           l.MaxSpreadPct.String(),
		MinLiquidity:           l.MinLiquidity.String(),
		MaxExposurePerMarket:   l.MaxExposurePerMarket.String(),
		MaxExposurePerCategory: l.MaxExposurePerCategory.String(),
		CopyMode:               string(l.CopyMode),
		StakeUnit:              l.StakeUnit.String(),
		MinTradeNotional:       l.MinTradeNotional.String(),
		MaxTradeNotional:       l.MaxTradeNotional.String(),
		MaxPlanAge:             l.MaxPlanAge.String(),
		SaneSpreadPct:          l.SaneSpreadPct.String(),
		MinPrice:               l.MinPrice.String(),
		MaxPrice:               l.MaxPrice.String(),
	}
}

func decimalMap(values map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v.String()
	}
	return out
}
