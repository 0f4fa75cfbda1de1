package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"copymesh/event"
	"copymesh/safety"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newSyncCmd(ro *rootOptions) *cobra.Command {
	var accountID, category string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "对主账户执行一次全量持仓对账",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(ro)
			if err != nil {
				return err
			}
			c, err := buildCore(cfg, event.Discard{})
			if err != nil {
				return err
			}
			defer c.close()

			res := c.svc.SyncFromPositions(cmd.Context(), accountID, category)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.Errorf("账户 %s 对账失败", accountID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "主账户 ID")
	cmd.Flags().StringVar(&category, "category", "forex", "信号品类")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRiskCmd(ro *rootOptions) *cobra.Command {
	var userID, action string
	var accountIDs []string
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "评估跟单账户回撤并执行暂停或恢复",
		RunE: func(cmd *cobra.Command, args []string) error {
			act := safety.Action(action)
			if act != safety.ActionPause && act != safety.ActionResume {
				return errors.Errorf("--action 只能是 pause 或 resume，得到 %q", action)
			}
			cfg, err := loadConfig(ro)
			if err != nil {
				return err
			}
			c, err := buildCore(cfg, event.Discard{})
			if err != nil {
				return err
			}
			defer c.close()

			if len(accountIDs) == 1 {
				decision, err := c.svc.EvaluateRisk(cmd.Context(), userID, accountIDs[0], act)
				if err != nil {
					return errors.Wrapf(err, "评估账户 %s 失败", accountIDs[0])
				}
				return printJSON(cmd.OutOrStdout(), decision)
			}
			return printJSON(cmd.OutOrStdout(), c.svc.BatchEvaluateRisk(cmd.Context(), userID, accountIDs, act))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "账户所属用户 ID（可选）")
	cmd.Flags().StringSliceVar(&accountIDs, "account", nil, "跟单账户 ID，可重复或逗号分隔")
	cmd.Flags().StringVar(&action, "action", string(safety.ActionPause), "pause 或 resume")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
