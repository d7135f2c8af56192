package reporter

import (
	"binance-trailing-stop-go/internal/models"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// SessionStats 是根据快照计算出的会话指标
type SessionStats struct {
	GainPct         decimal.Decimal // 当前价相对买入价的涨幅
	RetraceFromPeak decimal.Decimal // 当前价相对峰值的回撤
	DistanceToSell  decimal.Decimal // 当前价距离卖出价的差值, 负数表示已触发
}

// CalculateStats 计算会话指标。买入价或峰值为 0 时对应指标为 0。
func CalculateStats(s models.Snapshot) SessionStats {
	var st SessionStats
	price := s.Engine.CurrentPrice
	if s.Strategy.PurchasePrice.IsPositive() && price.IsPositive() {
		st.GainPct = price.Sub(s.Strategy.PurchasePrice).Div(s.Strategy.PurchasePrice).Mul(hundred)
	}
	if s.Engine.PeakPrice.IsPositive() && price.IsPositive() {
		st.RetraceFromPeak = s.Engine.PeakPrice.Sub(price).Div(s.Engine.PeakPrice).Mul(hundred)
		st.DistanceToSell = price.Sub(s.SellPrice)
	}
	return st
}

// RenderSnapshot 把快照打印成表格
func RenderSnapshot(w io.Writer, s models.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	symbol := "-"
	if s.Instrument != nil {
		symbol = s.Instrument.Symbol
	}
	t.SetTitle("Trailing stop: " + symbol)

	stats := CalculateStats(s)
	sell := "OFF"
	if s.Strategy.SellEnabled {
		sell = "ON"
	}

	t.AppendRows([]table.Row{
		{"状态", strings.ToUpper(string(s.Status))},
		{"订阅", orDash(s.SubscriptionTag)},
		{"自动卖出", sell},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"买入价", s.Strategy.PurchasePrice.String()},
		{"回撤比例", s.Strategy.RetraceFraction.Mul(hundred).String() + "%"},
		{"当前价", priceOrDash(s.Engine.CurrentPrice)},
		{"峰值", priceOrDash(s.Engine.PeakPrice)},
		{"卖出价", priceOrDash(s.SellPrice)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"涨幅", stats.GainPct.StringFixed(2) + "%"},
		{"距峰值回撤", stats.RetraceFromPeak.StringFixed(2) + "%"},
		{"距卖出价", stats.DistanceToSell.String()},
	})
	if s.LastError != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"最近错误", s.LastError})
	}
	t.Render()
}

func priceOrDash(d decimal.Decimal) string {
	if d.IsZero() {
		return "-"
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
