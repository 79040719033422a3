package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateRecipient string
	simulatePrice     float64
	simulateBaseline  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格异动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateBaseline <= 0 {
			return errors.New("--price 与 --baseline 必须大于 0")
		}
		if simulateRecipient == "" {
			return errors.New("--to 不能为空")
		}

		price := decimal.NewFromFloat(simulatePrice)
		baseline := decimal.NewFromFloat(simulateBaseline)
		return getApp().SimulateAlert(cmd.Context(), simulateRecipient, price, baseline)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRecipient, "to", "", "接收模拟告警的邮箱或会话")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟的最新价格")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 0, "模拟的均线基准价")
}
