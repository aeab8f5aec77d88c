package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/kitebot/internal/config"
	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and broker sessions",
	}

	var email, token string
	var limits domain.RiskLimits
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update the user, access token and risk limits",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := limits.Validate(); err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv(config.EnvAccessToken)
			}
			u := &domain.User{ID: userID, Email: email, AccessToken: token, Limits: limits}
			if err := a.store.SaveUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Printf("user %d saved\n", u.ID)
			return nil
		}),
	}
	setCmd.Flags().StringVar(&email, "email", "", "Email")
	setCmd.Flags().StringVar(&token, "access-token", "", "Kite access token for today's session (default $KITE_ACCESS_TOKEN)")
	setCmd.Flags().Float64Var(&limits.MaxPositionSize, "max-position-size", 100000, "Maximum order value")
	setCmd.Flags().Float64Var(&limits.MaxDailyLoss, "max-daily-loss", 0, "Stop buying after this realised loss per day (0 disables)")

	marginsCmd := &cobra.Command{
		Use:   "margins",
		Short: "Show available margins on the broker account",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			broker, err := a.sessions.Session(cmd.Context(), userID)
			if err != nil {
				return err
			}
			m, err := broker.GetMargins(cmd.Context())
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "SEGMENT\tNET\tCASH\tUTILISED")
			fmt.Fprintf(w, "equity\t%.2f\t%.2f\t%.2f\n", m.Equity.Net, m.Equity.Cash, m.Equity.Utilised)
			fmt.Fprintf(w, "commodity\t%.2f\t%.2f\t%.2f\n", m.Commodity.Net, m.Commodity.Cash, m.Commodity.Utilised)
			return w.Flush()
		}),
	}

	cmd.AddCommand(setCmd, marginsCmd)
	return cmd
}

func strategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage strategies",
	}

	var st domain.Strategy
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an SMA crossover + RSI strategy",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			st.UserID = userID
			st.Name = args[0]
			if err := a.strategies.Create(cmd.Context(), &st); err != nil {
				return err
			}
			fmt.Printf("strategy %d created\n", st.ID)
			return nil
		}),
	}
	createCmd.Flags().StringVar(&st.Description, "description", "", "Description")
	createCmd.Flags().StringVar(&st.Params.Symbol, "symbol", "", "Trading symbol, e.g. INFY")
	createCmd.Flags().StringVar(&st.Params.Exchange, "exchange", domain.DefaultExchange, "Exchange")
	createCmd.Flags().IntVar(&st.Params.ShortPeriod, "short", domain.DefaultShortPeriod, "Short SMA period")
	createCmd.Flags().IntVar(&st.Params.LongPeriod, "long", domain.DefaultLongPeriod, "Long SMA period")
	createCmd.Flags().Float64Var(&st.Params.PositionSizeHint, "position-size", domain.DefaultPositionSizeHint, "Order value hint")
	createCmd.Flags().Float64Var(&st.Limits.MaxPositionSize, "max-position-size", 100000, "Maximum order value")
	createCmd.Flags().Float64Var(&st.Limits.MaxDailyLoss, "max-daily-loss", 0, "Daily loss limit for buys (0 disables)")
	_ = createCmd.MarkFlagRequired("symbol")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List strategies",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			list, err := a.strategies.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tNAME\tSYMBOL\tSMA\tMAX POS\tACTIVE")
			for _, s := range list {
				fmt.Fprintf(w, "%d\t%s\t%s:%s\t%d/%d\t%.0f\t%t\n",
					s.ID, s.Name, s.Params.Exchange, s.Params.Symbol, s.Params.ShortPeriod, s.Params.LongPeriod,
					s.Limits.MaxPositionSize, s.IsActive)
			}
			return w.Flush()
		}),
	}

	toggleCmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip a strategy between active and inactive",
		Long:  "Flip a strategy's active flag. Activation checks the owner's broker session; the strategy trades while 'kitebot run' is up.",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := a.strategies.Toggle(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("strategy %d active=%t\n", s.ID, s.IsActive)
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.strategies.Delete(cmd.Context(), id)
		}),
	}

	cmd.AddCommand(createCmd, listCmd, toggleCmd, deleteCmd)
	return cmd
}

func tradesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Inspect and manage recorded trades",
	}

	var filter domain.TradeFilter
	var status string
	var since time.Duration
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List trades, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			filter.Status = domain.OrderStatus(status)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			trades, err := a.trades.List(cmd.Context(), userID, filter)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tTIME\tORDER\tSYMBOL\tSIDE\tQTY\tPRICE\tSTATUS\tPNL")
			for _, t := range trades {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%.2f\t%s\t%.2f\n",
					t.ID, t.CreatedAt.Local().Format(time.DateTime), t.OrderID, t.Symbol, t.Side,
					t.Quantity, t.Price, t.Status, t.PnL)
			}
			return w.Flush()
		}),
	}
	listCmd.Flags().StringVar(&status, "status", "", "PENDING, COMPLETE, REJECTED or CANCELLED")
	listCmd.Flags().StringVar(&filter.Symbol, "symbol", "", "Trading symbol")
	listCmd.Flags().Int64Var(&filter.StrategyID, "strategy", 0, "Strategy id")
	listCmd.Flags().DurationVar(&since, "since", 0, "Only trades newer than this, e.g. 24h")
	listCmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending trade's order at the broker",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			broker, err := a.sessions.Session(cmd.Context(), userID)
			if err != nil {
				return err
			}
			t, err := a.trades.Cancel(cmd.Context(), userID, id, broker)
			if err != nil {
				return err
			}
			fmt.Printf("trade %d (%s) cancelled\n", t.ID, t.OrderID)
			return nil
		}),
	}

	statusCmd := &cobra.Command{
		Use:   "status <id> <COMPLETE|REJECTED|CANCELLED>",
		Short: "Record the broker outcome of a pending trade",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.trades.UpdateStatus(cmd.Context(), id, domain.OrderStatus(args[1]))
		}),
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull order outcomes from the broker into pending trades",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.trades.Sync(cmd.Context(), userID, client)
			if err != nil {
				return err
			}
			fmt.Printf("%d trade(s) updated\n", n)
			return nil
		}),
	}

	var mod domain.OrderModification
	modifyCmd := &cobra.Command{
		Use:   "modify <id>",
		Short: "Change quantity or price of a pending trade's open order",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := a.store.GetTrade(cmd.Context(), id)
			if err != nil {
				return err
			}
			if t.UserID != userID {
				return fmt.Errorf("trade %d: %w", id, domain.ErrNotFound)
			}
			if t.Status != domain.StatusPending {
				return fmt.Errorf("trade %d is %s, only pending orders can be modified", id, t.Status)
			}
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			orderID, err := client.ModifyOrder(cmd.Context(), t.OrderID, mod)
			if err != nil {
				return err
			}
			fmt.Printf("order %s modified\n", orderID)
			return nil
		}),
	}
	modifyCmd.Flags().IntVar(&mod.Quantity, "quantity", 0, "New quantity")
	modifyCmd.Flags().Float64Var(&mod.Price, "price", 0, "New limit price")

	historyCmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the broker's state history for a trade's order",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := a.store.GetTrade(cmd.Context(), id)
			if err != nil {
				return err
			}
			if t.UserID != userID {
				return fmt.Errorf("trade %d: %w", id, domain.ErrNotFound)
			}
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			history, err := client.GetOrderHistory(cmd.Context(), t.OrderID)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "TIME\tSTATUS\tFILLED\tAVG\tMESSAGE")
			for _, o := range history {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.2f\t%s\n",
					o.PlacedAt.Format(time.DateTime), o.Status, o.FilledQuantity, o.Quantity, o.AveragePrice, o.StatusMessage)
			}
			return w.Flush()
		}),
	}

	cmd.AddCommand(listCmd, cancelCmd, statusCmd, syncCmd, modifyCmd, historyCmd)
	return cmd
}

func positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show positions built from completed trades",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var broker domain.Broker
			if s, err := a.sessions.Session(cmd.Context(), userID); err == nil {
				broker = s
			}
			positions, err := a.positions.List(cmd.Context(), userID, broker)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "SYMBOL\tQTY\tAVG\tLAST\tPNL\tPNL%")
			for _, p := range positions {
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n",
					p.Symbol, p.Quantity, p.AveragePrice, p.LastPrice, p.PnL, p.PnLPct)
			}
			return w.Flush()
		}),
	}
}

func gttCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gtt",
		Short: "Manage Good-Till-Triggered orders",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List GTT triggers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			gtts, err := client.GetGTTs(cmd.Context())
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tTYPE\tSYMBOL\tTRIGGERS\tSTATUS")
			for _, g := range gtts {
				fmt.Fprintf(w, "%d\t%s\t%s:%s\t%v\t%s\n", g.ID, g.Type, g.Exchange, g.Symbol, g.TriggerValues, g.Status)
			}
			return w.Flush()
		}),
	}

	var order domain.GTTOrder
	var leg domain.GTTLegSpec
	var side string
	placeCmd := &cobra.Command{
		Use:   "place",
		Short: "Place a single-leg GTT",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			order.Type = "single"
			leg.Side = domain.OrderSide(side)
			leg.OrderType = domain.OrderTypeLimit
			order.Orders = []domain.GTTLegSpec{leg}
			id, err := client.PlaceGTT(cmd.Context(), order)
			if err != nil {
				return err
			}
			fmt.Printf("gtt %d placed\n", id)
			return nil
		}),
	}
	placeCmd.Flags().StringVar(&order.Symbol, "symbol", "", "Trading symbol")
	placeCmd.Flags().StringVar(&order.Exchange, "exchange", domain.DefaultExchange, "Exchange")
	placeCmd.Flags().Float64SliceVar(&order.TriggerValues, "trigger", nil, "Trigger price")
	placeCmd.Flags().Float64Var(&order.LastPrice, "last-price", 0, "Current last price")
	placeCmd.Flags().StringVar(&side, "side", string(domain.SideSell), "BUY or SELL")
	placeCmd.Flags().IntVar(&leg.Quantity, "quantity", 0, "Quantity")
	placeCmd.Flags().Float64Var(&leg.Price, "price", 0, "Limit price")
	_ = placeCmd.MarkFlagRequired("symbol")
	_ = placeCmd.MarkFlagRequired("trigger")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a GTT trigger",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			return client.DeleteGTT(cmd.Context(), id)
		}),
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one GTT trigger",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			g, err := client.GetGTT(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("gtt %d %s %s:%s triggers=%v status=%s\n", g.ID, g.Type, g.Exchange, g.Symbol, g.TriggerValues, g.Status)
			w := table()
			fmt.Fprintln(w, "SIDE\tQTY\tTYPE\tPRICE")
			for _, leg := range g.Orders {
				fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\n", leg.Side, leg.Quantity, leg.OrderType, leg.Price)
			}
			return w.Flush()
		}),
	}

	var triggers []float64
	modifyCmd := &cobra.Command{
		Use:   "modify <id>",
		Short: "Move the trigger values of a GTT",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := a.kiteSession(cmd.Context())
			if err != nil {
				return err
			}
			g, err := client.GetGTT(cmd.Context(), id)
			if err != nil {
				return err
			}
			g.TriggerValues = triggers
			if _, err := client.ModifyGTT(cmd.Context(), id, *g); err != nil {
				return err
			}
			fmt.Printf("gtt %d modified\n", id)
			return nil
		}),
	}
	modifyCmd.Flags().Float64SliceVar(&triggers, "trigger", nil, "New trigger price(s)")
	_ = modifyCmd.MarkFlagRequired("trigger")

	cmd.AddCommand(listCmd, getCmd, placeCmd, modifyCmd, deleteCmd)
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <symbol>...",
		Short: "Stream live quotes for symbols until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			u, err := a.store.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			client := a.gateway.Session(u.AccessToken)

			names := make(map[uint32]string)
			tokens := make([]uint32, 0, len(args))
			for _, symbol := range args {
				token, err := client.InstrumentToken(ctx, symbol)
				if err != nil {
					return err
				}
				names[token] = symbol
				tokens = append(tokens, token)
			}

			ticker := a.gateway.Ticker(u.AccessToken)
			if _, err := ticker.Subscribe(tokens, func(t domain.Tick) {
				fmt.Printf("%s %-12s %10.2f vol=%d\n", time.Now().Format(time.TimeOnly), names[t.InstrumentToken], t.LastPrice, t.Volume)
			}); err != nil {
				return err
			}

			a.log.Info("Watching", zap.Strings("symbols", args))
			if err := ticker.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}),
	}
}
