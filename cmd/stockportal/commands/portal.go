package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/stockportal/internal/app"
	"github.com/florianilch/stockportal/internal/portal"
)

func protectedCommand() *cli.Command {
	return &cli.Command{
		Name:  "protected",
		Usage: "call the protected endpoint to check the session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, func(ctx context.Context, cfg *app.Config, sess *app.Session) error {
				client, err := portal.New(cfg.API.BaseURL, sess.Client, portal.WithTimeout(cfg.API.Timeout))
				if err != nil {
					return err
				}

				view, err := client.ProtectedView(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.Root().Writer, view)
			})
		},
	}
}

func predictCommand() *cli.Command {
	return &cli.Command{
		Name:      "predict",
		Usage:     "predict the next closing prices of a stock",
		ArgsUsage: "TICKER",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the raw prediction as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("expected exactly one TICKER argument")
			}

			return withSession(ctx, cmd, func(ctx context.Context, cfg *app.Config, sess *app.Session) error {
				client, err := portal.New(cfg.API.BaseURL, sess.Client, portal.WithTimeout(cfg.API.Timeout))
				if err != nil {
					return err
				}

				ticker, err := client.NormalizeTicker(cmd.Args().First())
				if err != nil {
					return err
				}
				prediction, err := client.Predict(ctx, ticker)
				if err != nil {
					return err
				}

				if cmd.Bool("json") {
					return writeJSON(cmd.Root().Writer, prediction)
				}
				return renderPrediction(cmd.Root().Writer, ticker, prediction)
			})
		},
	}
}

func renderPrediction(w io.Writer, ticker string, p *portal.Prediction) error {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")

	rows := [][]string{
		{"Ticker", ticker},
		{"Current price", fmt.Sprintf("%.2f", p.CurrentPrice)},
		{"MSE", fmt.Sprintf("%.4f", p.MSE)},
		{"RMSE", fmt.Sprintf("%.4f", p.RMSE)},
		{"R²", fmt.Sprintf("%.4f", p.R2)},
	}
	for i, price := range p.NextFiveDays {
		rows = append(rows, []string{fmt.Sprintf("Day +%d", i+1), fmt.Sprintf("%.2f", price)})
	}
	plots := []string{p.PlotImg, p.PlotMovingAvg, p.PlotPrediction}
	rows = append(rows, []string{"Plots", strings.Join(plots, "\n")})

	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
