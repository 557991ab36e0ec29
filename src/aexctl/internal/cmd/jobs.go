package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPostCmd(a *app) *cobra.Command {
	var (
		jobType      string
		description  string
		budget       string
		requirements string
		postedBy     string
		bidWindow    time.Duration
	)
	c := &cobra.Command{
		Use:   "post",
		Short: "Post a job",
		Long: `Post a job and open its bidding window.

Example:
  aexctl post --type research --description "Summarize the report" --budget 5.00
  aexctl post --type code --description "Fix the parser" --budget 12.50 \
    --requirements '{"complexity":"complex","required_fields":["patch"]}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"type":        jobType,
				"description": description,
				"budget_max":  budget,
			}
			if requirements != "" {
				var req map[string]any
				if err := json.Unmarshal([]byte(requirements), &req); err != nil {
					return fmt.Errorf("--requirements must be a JSON object: %w", err)
				}
				body["requirements"] = req
			}
			if postedBy != "" {
				body["posted_by"] = postedBy
			}
			if bidWindow > 0 {
				body["bid_window_ms"] = bidWindow.Milliseconds()
			}

			var out job
			if err := a.client().post(cmd.Context(), "/api/jobs", body, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() {
				cmd.Printf("Job posted: %s\n", out.ID)
				cmd.Printf("Budget:     %s\n", out.BudgetMax)
				cmd.Printf("Bidding closes at %s\n", out.BidWindowEndsAt.Local().Format(time.TimeOnly))
			})
		},
	}
	flags := c.Flags()
	flags.StringVar(&jobType, "type", "", "job type, e.g. research, code, writing (required)")
	flags.StringVarP(&description, "description", "d", "", "what the agent should do (required)")
	flags.StringVarP(&budget, "budget", "b", "", "maximum price, e.g. 5.00 (required)")
	flags.StringVar(&requirements, "requirements", "", "requirements as a JSON object")
	flags.StringVar(&postedBy, "posted-by", "", "paying wallet (default is the coordinator)")
	flags.DurationVar(&bidWindow, "bid-window", 0, "override the bidding window, e.g. 10s")
	_ = c.MarkFlagRequired("type")
	_ = c.MarkFlagRequired("description")
	_ = c.MarkFlagRequired("budget")
	return c
}

func newJobsCmd(a *app) *cobra.Command {
	var status string
	c := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			if len(args) == 1 {
				var out job
				if err := client.get(cmd.Context(), "/api/jobs/"+args[0], nil, &out); err != nil {
					return err
				}
				return a.print(cmd, out, func() { printJob(cmd.OutOrStdout(), out) })
			}

			var out struct {
				Jobs  []job `json:"jobs"`
				Total int   `json:"total"`
			}
			if err := client.get(cmd.Context(), "/api/jobs", map[string]string{"status": status}, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tBUDGET\tAGENT\tPRICE")
				for _, j := range out.Jobs {
					agentID, price := "-", "-"
					if j.AcceptedBid != nil {
						agentID, price = j.AcceptedBid.AgentID, j.AcceptedBid.Price
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.Status, j.BudgetMax, agentID, price)
				}
				tw.Flush()
			})
		},
	}
	c.Flags().StringVarP(&status, "status", "s", "", "only jobs in this status")
	return c
}

func printJob(w io.Writer, j job) {
	fmt.Fprintf(w, "ID:          %s\n", j.ID)
	fmt.Fprintf(w, "Type:        %s\n", j.Type)
	fmt.Fprintf(w, "Status:      %s\n", j.Status)
	fmt.Fprintf(w, "Budget:      %s\n", j.BudgetMax)
	fmt.Fprintf(w, "Description: %s\n", j.Description)
	if j.AcceptedBid != nil {
		fmt.Fprintf(w, "Agent:       %s at %s\n", j.AcceptedBid.AgentID, j.AcceptedBid.Price)
	}
	if j.EscrowID != nil {
		fmt.Fprintf(w, "Escrow:      %s\n", *j.EscrowID)
	}
	if j.Submission != nil {
		fmt.Fprintf(w, "Results:     %d fields\n", len(j.Submission.Results))
	}
	if j.Verification != nil {
		fmt.Fprintf(w, "Verified:    passed=%t %s\n", j.Verification.Passed, j.Verification.Reasoning)
	}
	if j.FailureReason != nil {
		fmt.Fprintf(w, "Failure:     %s\n", *j.FailureReason)
	}
}

func newBidsCmd(a *app) *cobra.Command {
	var (
		generate   bool
		agentID    string
		price      string
		confidence float64
		eta        time.Duration
		reasoning  string
	)
	c := &cobra.Command{
		Use:   "bids <job_id>",
		Short: "List, place or generate bids on a job",
		Long: `Without flags, list the bids on a job.

  --generate         have every matching available agent bid now
  --agent --price    place a bid on behalf of an agent`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			path := "/api/jobs/" + args[0] + "/bids"

			switch {
			case agentID != "":
				body := map[string]any{
					"agent_id":          agentID,
					"price":             price,
					"estimated_time_ms": eta.Milliseconds(),
					"reasoning":         reasoning,
				}
				if cmd.Flags().Changed("confidence") {
					body["confidence"] = confidence
				}
				var out bid
				if err := client.post(cmd.Context(), path, body, &out); err != nil {
					return err
				}
				return a.print(cmd, out, func() {
					cmd.Printf("Bid placed: %s (%s at %s)\n", out.ID, out.AgentID, out.Price)
				})
			case generate:
				var out struct {
					Bids []bid `json:"bids"`
				}
				if err := client.post(cmd.Context(), path, nil, &out); err != nil {
					return err
				}
				return a.print(cmd, out, func() { printBids(cmd.OutOrStdout(), out.Bids) })
			default:
				var out struct {
					Bids []bid `json:"bids"`
				}
				if err := client.get(cmd.Context(), path, nil, &out); err != nil {
					return err
				}
				return a.print(cmd, out, func() { printBids(cmd.OutOrStdout(), out.Bids) })
			}
		},
	}
	flags := c.Flags()
	flags.BoolVar(&generate, "generate", false, "have the simulated agents bid")
	flags.StringVar(&agentID, "agent", "", "bidding agent")
	flags.StringVar(&price, "price", "", "bid price")
	flags.Float64Var(&confidence, "confidence", 0, "confidence between 0 and 1 (defaults to the agent's reputation)")
	flags.DurationVar(&eta, "eta", time.Minute, "estimated time to complete")
	flags.StringVar(&reasoning, "reasoning", "", "why this price")
	c.MarkFlagsRequiredTogether("agent", "price")
	c.MarkFlagsMutuallyExclusive("generate", "agent")
	return c
}

func printBids(w io.Writer, list []bid) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No bids.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tPRICE\tETA\tCONFIDENCE")
	for _, b := range list {
		eta := time.Duration(b.EstimatedTimeMs) * time.Millisecond
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\n", b.ID, b.AgentID, b.Price, eta, b.Confidence)
	}
	tw.Flush()
}

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select <job_id>",
		Short: "Rank a job's bids without accepting any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out selection
			if err := a.client().post(cmd.Context(), "/api/jobs/"+args[0]+"/select", nil, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() {
				w := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RANK\tBID\tAGENT\tPRICE\tSCORE")
				for _, r := range out.Ranked {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.4f\n", r.Rank, r.BidID, r.AgentID, r.Price, r.TotalScore)
				}
				tw.Flush()
				for _, d := range out.Disqualified {
					fmt.Fprintf(w, "disqualified %s (%s): %s\n", d.BidID, d.AgentID, d.Reason)
				}
				if out.Winner != nil {
					fmt.Fprintf(w, "Winner: %s (%s at %s)\n", out.Winner.ID, out.Winner.AgentID, out.Winner.Price)
				} else {
					fmt.Fprintln(w, "No acceptable bid.")
				}
				if out.Reasoning != "" {
					fmt.Fprintf(w, "Reasoning: %s\n", out.Reasoning)
				}
			})
		},
	}
}

func newAcceptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <job_id> <bid_id>",
		Short: "Accept a bid and fund escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out job
			body := map[string]string{"bid_id": args[1]}
			if err := a.client().post(cmd.Context(), "/api/jobs/"+args[0]+"/accept", body, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() { printJob(cmd.OutOrStdout(), out) })
		},
	}
}

func newExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <job_id>",
		Short: "Have the assigned agent start working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := a.client().post(cmd.Context(), "/api/jobs/"+args[0]+"/execute", nil, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() {
				cmd.Printf("%s is executing %s\n", out["agent_id"], out["job_id"])
			})
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <job_id>",
		Short: "Verify a submission and settle escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out job
			if err := a.client().post(cmd.Context(), "/api/jobs/"+args[0]+"/verify", nil, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() { printJob(cmd.OutOrStdout(), out) })
		},
	}
}

func newFailCmd(a *app) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "fail <job_id>",
		Short: "Fail a job and refund any escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out job
			body := map[string]string{"reason": reason}
			if err := a.client().post(cmd.Context(), "/api/jobs/"+args[0]+"/fail", body, &out); err != nil {
				return err
			}
			return a.print(cmd, out, func() { printJob(cmd.OutOrStdout(), out) })
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "failure reason")
	return c
}
