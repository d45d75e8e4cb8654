package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mineshop/checkout"
	"mineshop/client"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type loader func(cmd *cobra.Command) (*Config, *zap.Logger, error)

var errCheckoutFailed = errors.New("checkout failed")

func checkoutCmd(load loader) *cobra.Command {
	var (
		items  []string
		coupon string
		noWait bool
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Place a PIX order and wait for the payment",
		Example: `  checkout-cli checkout --item 1:2:59.90:M --item 3:1:39.90 \
    --name Steve --surname Block --email steve@example.com --cpf 123.456.789-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			lines, err := parseItems(items)
			if err != nil {
				return err
			}

			s, err := newSession(cfg, checkout.NewCart(lines...), logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			in := checkout.CheckoutInput{
				Customer: client.Customer{
					Name:    cfg.Customer.Name,
					Surname: cfg.Customer.Surname,
					Email:   cfg.Customer.Email,
					CPF:     checkout.FormatCPF(cfg.Customer.CPF),
				},
			}
			// The server rejects unknown coupons, so one that survives order
			// creation is valid.
			if coupon != "" {
				in.Coupon = &checkout.Coupon{Code: coupon, Validated: true}
			}

			o := s.watchOutcome()
			if _, _, _, err := s.flow.Checkout(cmd.Context(), in); err != nil {
				o.stop()
				logger.Debug("Checkout failed", zap.Error(err))
				return errCheckoutFailed
			}
			if noWait {
				o.stop()
				s.printf("Payment saved. Run `checkout-cli resume` to follow it.\n")
				return nil
			}
			return s.wait(cmd.Context(), o, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringArrayVarP(&items, "item", "i", nil, "Cart line as productId:quantity:price[:variant] (repeatable)")
	cmd.Flags().String("name", "", "Customer first name")
	cmd.Flags().String("surname", "", "Customer surname")
	cmd.Flags().String("email", "", "Customer email")
	cmd.Flags().String("cpf", "", "Customer CPF")
	cmd.Flags().StringVar(&coupon, "coupon", "", "Coupon code")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the PIX code and exit")
	_ = cmd.MarkFlagRequired("item")

	return cmd
}

func resumeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue waiting for the saved payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := newSession(cfg, nil, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			o := s.watchOutcome()
			r, err := s.flow.Resume(cmd.Context())
			if err != nil {
				o.stop()
				return fmt.Errorf("failed to restore payment: %w", err)
			}
			if r == checkout.ResumeNone {
				o.stop()
				s.printf("No payment to resume.\n")
				return nil
			}
			return s.wait(cmd.Context(), o, cmd.InOrStdin())
		},
	}
}

func verifyCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Aliases: []string{"paid"},
		Short:   "Check once whether the saved payment went through",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// One request is all this command makes.
			cfg.Realtime = false
			cfg.PollInterval = time.Hour

			s, err := newSession(cfg, nil, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			o := s.watchOutcome()
			defer o.stop()

			r, err := s.flow.Resume(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to restore payment: %w", err)
			}
			switch r {
			case checkout.ResumeNone:
				s.printf("No payment to verify.\n")
				return nil
			case checkout.ResumeChecking:
				s.verify(cmd.Context())
			}

			select {
			case err := <-o.done:
				return err
			default:
				return nil
			}
		},
	}
}

func statusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved payment without contacting the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			r, err := checkout.NewBridge(store, logger).Restore(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to restore payment: %w", err)
			}

			out := cmd.OutOrStdout()
			switch r.Resume {
			case checkout.ResumeNone:
				fmt.Fprintln(out, "No active payment.")
			case checkout.ResumePaid:
				fmt.Fprintf(out, "Order %s: paid\n", r.OrderID)
			default:
				fmt.Fprintf(out, "Order %s: waiting for payment\n", r.OrderID)
				fmt.Fprintf(out, "  Amount:  R$ %s\n", r.Payment.Amount.StringFixed(2))
				fmt.Fprintf(out, "  Expires: %s (%s left)\n", r.Payment.ExpiresAt, checkout.FormatCountdown(r.Payment.ExpiresAt, time.Now()))
				if r.Payment.Placeholder {
					fmt.Fprintln(out, "  Code:    placeholder, generate a new one before paying")
				}
			}
			return nil
		},
	}
}

func cancelCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Forget the saved payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg.Realtime = false
			s, err := newSession(cfg, nil, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.flow.Cancel(cmd.Context()); err != nil {
				return fmt.Errorf("failed to cancel payment: %w", err)
			}
			s.printf("Payment cleared.\n")
			return nil
		},
	}
}

// parseItems reads cart lines written as productId:quantity:price[:variant].
func parseItems(lines []string) ([]client.LineItem, error) {
	items := make([]client.LineItem, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid item %q: want productId:quantity:price[:variant]", line)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid item %q: bad product id", line)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid item %q: bad quantity", line)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || price.IsNegative() {
			return nil, fmt.Errorf("invalid item %q: bad price", line)
		}
		item := client.LineItem{ProductID: id, Quantity: qty, Price: price}
		if len(parts) == 4 {
			item.Variant = parts[3]
		}
		items = append(items, item)
	}
	return items, nil
}
