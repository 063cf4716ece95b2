package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateSymbol string
	simulatePrices []float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一组来源价格并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须配置")
		}
		if len(simulatePrices) == 0 {
			return errors.New("--prices 必须至少包含一个价格")
		}

		prices := make([]decimal.Decimal, 0, len(simulatePrices))
		for _, price := range simulatePrices {
			if price <= 0 {
				return errors.New("--prices 必须大于 0")
			}
			prices = append(prices, decimal.NewFromFloat(price))
		}
		return getApp().SimulateAlert(cmd.Context(), simulateSymbol, prices)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "模拟的交易对，如 ETH/USD")
	simulateCmd.Flags().Float64SliceVar(&simulatePrices, "prices", nil, "各来源上报的价格列表")
}
