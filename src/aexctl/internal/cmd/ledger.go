package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents [agent_id]",
		Short: "List agents or show one agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []agent
			if len(args) == 1 {
				var one agent
				if err := a.client().get(cmd.Context(), "/api/agents/"+args[0], nil, &one); err != nil {
					return err
				}
				if a.v.GetBool("json") {
					return a.print(cmd, one, nil)
				}
				list = []agent{one}
			} else {
				var out struct {
					Agents []agent `json:"agents"`
				}
				if err := a.client().get(cmd.Context(), "/api/agents", nil, &out); err != nil {
					return err
				}
				if a.v.GetBool("json") {
					return a.print(cmd, out, nil)
				}
				list = out.Agents
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tREPUTATION\tBALANCE\tJOBS\tEARNED")
			for _, ag := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%d\t%s\n",
					ag.ID, ag.Type, ag.Status, ag.ReputationScore, ag.WalletBalance, ag.JobsCompleted, ag.TotalEarned)
			}
			return tw.Flush()
		},
	}
}

func newTransactionsCmd(a *app) *cobra.Command {
	var (
		wallet string
		jobID  string
		limit  int
	)
	c := &cobra.Command{
		Use:     "transactions",
		Aliases: []string{"txs"},
		Short:   "List ledger transactions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := map[string]string{"wallet": wallet, "job_id": jobID}
			if limit > 0 {
				query["limit"] = strconv.Itoa(limit)
			}
			var out struct {
				Transactions []transaction `json:"transactions"`
				Total        int           `json:"total"`
			}
			if err := a.client().get(cmd.Context(), "/api/transactions", query, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tFROM\tTO\tAMOUNT\tJOB")
				for _, tx := range out.Transactions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", tx.ID, tx.Type, tx.FromWallet, tx.ToWallet, tx.Amount, tx.JobID)
				}
				tw.Flush()
			})
		},
	}
	flags := c.Flags()
	flags.StringVarP(&wallet, "wallet", "w", "", "only transactions touching this wallet")
	flags.StringVarP(&jobID, "job", "j", "", "only transactions for this job")
	flags.IntVarP(&limit, "limit", "n", 0, "maximum number of transactions")
	return c
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every wallet against its transaction history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Balanced      bool          `json:"balanced"`
				Discrepancies []discrepancy `json:"discrepancies"`
			}
			if err := a.client().get(cmd.Context(), "/api/ledger/reconcile", nil, &out); err != nil {
				return err
			}
			if err := a.print(cmd, out, func() {
				if out.Balanced {
					cmd.Println("Ledger balanced.")
					return
				}
				for _, d := range out.Discrepancies {
					cmd.Printf("%s: balance %s, initial %s, transactions net %s\n",
						d.WalletID, d.Balance, d.InitialBalance, d.TransactionNet)
				}
			}); err != nil {
				return err
			}
			if !out.Balanced {
				return fmt.Errorf("ledger has %d discrepancies", len(out.Discrepancies))
			}
			return nil
		},
	}
}
