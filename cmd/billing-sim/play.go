package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-billing/billing"
	"github.com/code-payments/flipcash2-billing/billing/play"
)

func playCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run billing operations against the Google Play Developer API",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	cmd.AddCommand(playProductsCmd(configPath, &timeout))
	cmd.AddCommand(playFinalizeCmd(configPath, &timeout))
	return cmd
}

func playProductsCmd(configPath *string, timeout *time.Duration) *cobra.Command {
	var subs bool

	cmd := &cobra.Command{
		Use:   "products <product-id>...",
		Short: "Look up product details",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			productType := billing.ProductTypeInApp
			if subs {
				productType = billing.ProductTypeSubs
			}

			return withPlayWrapper(ctx, *configPath, func(env *env, wrapper *billing.Wrapper) error {
				detailsCh := make(chan []*billing.ProductDetails, 1)
				errCh := make(chan *billing.Error, 1)
				wrapper.QueryProductDetails(productType, args, func(details []*billing.ProductDetails) {
					detailsCh <- details
				}, func(err *billing.Error) {
					errCh <- err
				})

				select {
				case details := <-detailsCh:
					for _, d := range details {
						fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n", d.ProductID, d.Type, d.Title, d.Price)
					}
					return nil
				case err := <-errCh:
					return err
				case <-ctx.Done():
					return errors.Wrap(ctx.Err(), "timed out querying product details")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&subs, "subs", false, "query subscriptions instead of one-time products")
	return cmd
}

func playFinalizeCmd(configPath *string, timeout *time.Duration) *cobra.Command {
	var subs bool

	cmd := &cobra.Command{
		Use:   "finalize <product-id> <purchase-token>",
		Short: "Consume a one-time product or acknowledge a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			purchase := &billing.PurchaseRecord{
				ProductIDs:    []string{args[0]},
				PurchaseToken: args[1],
				State:         billing.PurchaseStatePurchased,
				Type:          billing.ProductTypeInApp,
			}
			if subs {
				purchase.Type = billing.ProductTypeSubs
			}

			return withPlayWrapper(ctx, *configPath, func(env *env, wrapper *billing.Wrapper) error {
				results := make(chan finalized, 1)
				wrapper.ConsumeOrAcknowledge(ctx, purchase, true, func(p *billing.PurchaseRecord, outcome billing.FinalizeOutcome) {
					results <- finalized{purchase: p, outcome: outcome}
				}, func(p *billing.PurchaseRecord, err *billing.Error) {
					results <- finalized{purchase: p, err: err}
				})

				select {
				case res := <-results:
					if res.err != nil {
						return res.err
					}
					fmt.Fprintf(os.Stdout, "%s: %s\n", res.purchase.PurchaseToken, res.outcome)
					return nil
				case <-ctx.Done():
					return errors.Wrap(ctx.Err(), "timed out finalizing purchase")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&subs, "subs", false, "the purchase is a subscription")
	return cmd
}

type logObserver struct {
	log *zap.Logger
}

func (o *logObserver) OnPurchasesUpdated(purchases []*billing.PurchaseRecord) {
	o.log.Info("Purchases updated", zap.Int("count", len(purchases)))
}

func (o *logObserver) OnPurchasesFailedToUpdate(err *billing.Error) {
	o.log.Warn("Purchases failed to update", zap.Error(err))
}

func withPlayWrapper(ctx context.Context, configPath string, fn func(*env, *billing.Wrapper) error) error {
	env, err := newEnv(ctx, configPath)
	if err != nil {
		return err
	}
	defer env.close()

	if len(env.config.Play.PackageName) == 0 {
		return errors.New("play.package_name is required")
	}

	serviceAccountJSON, err := os.ReadFile(env.config.Play.ServiceAccountFile)
	if err != nil {
		return errors.Wrap(err, "error reading service account file")
	}

	billingConfig, err := env.config.BillingConfig()
	if err != nil {
		return err
	}

	log := env.log.With(zap.String("package_name", env.config.Play.PackageName))

	exec := billing.NewSerialExecutor(log.Named("executor"))
	defer exec.Close()

	factory := play.NewFactory(log.Named("play"), play.Config{
		PackageName:        env.config.Play.PackageName,
		ServiceAccountJSON: serviceAccountJSON,
	})

	wrapper := billing.NewWrapper(log, exec, factory, env.tokens, billingConfig)
	defer wrapper.Close()

	wrapper.SetObserver(&logObserver{log: log})
	return fn(env, wrapper)
}
