package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-billing/billing"
	"github.com/code-payments/flipcash2-billing/billing/memory"
)

const (
	simCoinsProductID   = "coins"
	simMonthlyProductID = "monthly"
)

func runCmd(configPath *string) *cobra.Command {
	var (
		userID          string
		productID       string
		offeringID      string
		failConnections []string
		pending         bool
		timeout         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a purchase from connection through finalization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var codes []billing.ResponseCode
			for _, name := range failConnections {
				code, err := billing.ParseResponseCode(name)
				if err != nil {
					return err
				}
				codes = append(codes, code)
			}

			return runSimulation(ctx, *configPath, simulation{
				userID:          userID,
				productID:       productID,
				offeringID:      offeringID,
				failConnections: codes,
				pending:         pending,
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "sim-user", "app user id the purchase is made for")
	cmd.Flags().StringVar(&productID, "product", simCoinsProductID, "product to purchase ("+simCoinsProductID+" or "+simMonthlyProductID+")")
	cmd.Flags().StringVar(&offeringID, "offering", "", "presented offering id attached to the purchase")
	cmd.Flags().StringSliceVar(&failConnections, "fail-connections", nil, "response codes returned by the first connection attempts")
	cmd.Flags().BoolVar(&pending, "pending", false, "report purchases as pending")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall simulation timeout")
	return cmd
}

type simulation struct {
	userID          string
	productID       string
	offeringID      string
	failConnections []billing.ResponseCode
	pending         bool
}

type simObserver struct {
	log      *zap.Logger
	updates  chan []*billing.PurchaseRecord
	failures chan *billing.Error
}

func (o *simObserver) OnPurchasesUpdated(purchases []*billing.PurchaseRecord) {
	o.log.Info("Purchases updated", zap.Int("count", len(purchases)))
	o.updates <- purchases
}

func (o *simObserver) OnPurchasesFailedToUpdate(err *billing.Error) {
	o.log.Warn("Purchases failed to update", zap.Error(err))
	o.failures <- err
}

type finalized struct {
	purchase *billing.PurchaseRecord
	outcome  billing.FinalizeOutcome
	err      *billing.Error
}

func runSimulation(ctx context.Context, configPath string, sim simulation) error {
	env, err := newEnv(ctx, configPath)
	if err != nil {
		return err
	}
	defer env.close()

	billingConfig, err := env.config.BillingConfig()
	if err != nil {
		return err
	}

	log := env.log.With(zap.String("user_id", sim.userID))

	service := memory.NewService()
	service.AddProduct(&billing.ProductDetails{
		ProductID:         simCoinsProductID,
		Type:              billing.ProductTypeInApp,
		Title:             "Coins",
		Price:             "1.99 USD",
		PriceAmountMicros: 1990000,
		PriceCurrencyCode: "USD",
	})
	service.AddProduct(&billing.ProductDetails{
		ProductID:          simMonthlyProductID,
		Type:               billing.ProductTypeSubs,
		Title:              "Monthly",
		Price:              "4.99 USD",
		PriceAmountMicros:  4990000,
		PriceCurrencyCode:  "USD",
		SubscriptionPeriod: "P1M",
	})
	service.FailConnection(sim.failConnections...)
	service.SetPendingPurchases(sim.pending)

	exec := billing.NewSerialExecutor(log.Named("executor"))
	defer exec.Close()

	wrapper := billing.NewWrapper(log, exec, service.Factory(), env.tokens, billingConfig)
	defer wrapper.Close()

	unsubscribe := wrapper.Subscribe(func(change billing.StatusChange) {
		log.Info("Connection status changed",
			zap.String("from", change.From.String()),
			zap.String("to", change.To.String()),
		)
	})
	defer unsubscribe()

	observer := &simObserver{
		log:      log,
		updates:  make(chan []*billing.PurchaseRecord, 8),
		failures: make(chan *billing.Error, 8),
	}
	wrapper.SetObserver(observer)

	productType := billing.ProductTypeInApp
	if sim.productID == simMonthlyProductID {
		productType = billing.ProductTypeSubs
	}

	detailsCh := make(chan []*billing.ProductDetails, 1)
	errCh := make(chan *billing.Error, 1)
	wrapper.QueryProductDetails(productType, []string{sim.productID}, func(details []*billing.ProductDetails) {
		detailsCh <- details
	}, func(err *billing.Error) {
		errCh <- err
	})

	var details []*billing.ProductDetails
	select {
	case details = <-detailsCh:
	case err := <-errCh:
		return errors.Wrap(err, "error querying product details")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out querying product details")
	}
	if len(details) == 0 {
		return errors.Errorf("product %s not found", sim.productID)
	}

	wrapper.MakePurchase(sim.userID, details[0], nil, sim.offeringID, func(err *billing.Error) {
		errCh <- err
	})

	var purchases []*billing.PurchaseRecord
	select {
	case purchases = <-observer.updates:
	case err := <-observer.failures:
		return errors.Wrap(err, "purchase failed")
	case err := <-errCh:
		return errors.Wrap(err, "error launching purchase")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for purchase")
	}

	results := make(chan finalized, len(purchases))
	for _, purchase := range purchases {
		wrapper.ConsumeOrAcknowledge(ctx, purchase, true, func(p *billing.PurchaseRecord, outcome billing.FinalizeOutcome) {
			results <- finalized{purchase: p, outcome: outcome}
		}, func(p *billing.PurchaseRecord, err *billing.Error) {
			results <- finalized{purchase: p, err: err}
		})
	}

	for range purchases {
		select {
		case res := <-results:
			if res.err != nil {
				return errors.Wrapf(res.err, "error finalizing purchase %s", res.purchase.PurchaseToken)
			}
			fmt.Fprintf(os.Stdout, "finalized %s (%s): %s\n", res.purchase.ProductID(), res.purchase.Type, res.outcome)
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "timed out finalizing purchases")
		}
	}

	ownedCh := make(chan map[string]*billing.PurchaseRecord, 1)
	wrapper.QueryOwnedPurchases(sim.userID, func(owned map[string]*billing.PurchaseRecord) {
		ownedCh <- owned
	}, func(err *billing.Error) {
		errCh <- err
	})

	select {
	case owned := <-ownedCh:
		printOwned(owned)
	case err := <-errCh:
		return errors.Wrap(err, "error querying owned purchases")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out querying owned purchases")
	}

	processed, err := env.tokens.GetProcessedTokens(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "processed tokens: %s\n", strings.Join(processed, ", "))
	return nil
}

func printOwned(owned map[string]*billing.PurchaseRecord) {
	purchaseTokens := make([]string, 0, len(owned))
	for purchaseToken := range owned {
		purchaseTokens = append(purchaseTokens, purchaseToken)
	}
	sort.Strings(purchaseTokens)

	fmt.Fprintf(os.Stdout, "owned purchases: %d\n", len(owned))
	for _, purchaseToken := range purchaseTokens {
		purchase := owned[purchaseToken]
		fmt.Fprintf(os.Stdout, "  %s %s acknowledged=%v state=%s\n", purchase.ProductID(), purchaseToken, purchase.Acknowledged, purchase.State)
	}
}
