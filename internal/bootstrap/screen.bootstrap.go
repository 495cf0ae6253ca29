package bootstrap

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/krobus00/halal-trading-service/internal/config"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/infrastructure"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartScreen(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fresh, _ := cmd.Flags().GetBool("fresh")

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database[tradingDatabase])
	util.ContinueOrFatal(err)
	defer db.Close()

	var redisClient *redis.Client
	if dsn := config.Env.Redis[tradingDatabase].CacheDSN; dsn != "" {
		redisClient, err = infrastructure.NewRedisClient(dsn)
		util.ContinueOrFatal(err)
		defer redisClient.Close()
	}

	complianceService, _, err := newComplianceService(config.Env.Compliance, config.Env.Secrets, db, redisClient)
	util.ContinueOrFatal(err)

	verdicts := make([]entity.ComplianceVerdict, 0, len(args))
	for _, symbol := range args {
		if fresh {
			if err := complianceService.Invalidate(ctx, symbol); err != nil {
				logrus.WithField("symbol", symbol).Warn(err)
			}
		}
		verdicts = append(verdicts, complianceService.Evaluate(ctx, symbol))
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	util.ContinueOrFatal(encoder.Encode(verdicts))
}
