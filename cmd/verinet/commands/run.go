package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/verinet/verinet/src/verinet"
)

//NewRunCmd returns the command that starts a verification node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runVerinet,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runVerinet(cmd *cobra.Command, args []string) error {
	engine := verinet.NewVerinet(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Mirror log output into a file")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the HTTP API")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Work configuration
	cmd.Flags().Uint64("range-size", _config.RangeSize, "Width of frontier-generated assignments")
	cmd.Flags().Int("redundancy", _config.Redundancy, "Workers from distinct users per range")
	cmd.Flags().Duration("work-timeout", _config.WorkTimeout, "Claim timeout")
	cmd.Flags().Int("target-buffer", _config.TargetBuffer, "Claimable assignments the refill loop maintains")

	// Timers
	cmd.Flags().Duration("gossip-interval", _config.GossipInterval, "Time between snapshot pulls")
	cmd.Flags().Duration("publish-interval", _config.PublishInterval, "Time between snapshot publications")
	cmd.Flags().Duration("scan-interval", _config.ScanInterval, "Time between Byzantine scans")
	cmd.Flags().Duration("sweep-interval", _config.SweepInterval, "Time between claim timeout sweeps")
	cmd.Flags().Duration("refill-interval", _config.RefillInterval, "Time between frontier refills")
	cmd.Flags().Duration("sched-interval", _config.SchedInterval, "Time between scheduling passes")

	// Gossip
	cmd.Flags().Int("fanout", _config.Fanout, "Peers pulled from per gossip round")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":         _config.DataDir,
		"ServiceAddr":     _config.ServiceAddr,
		"NoService":       _config.NoService,
		"Store":           _config.Store,
		"DatabaseDir":     _config.DatabaseDir,
		"LogLevel":        _config.LogLevel,
		"Moniker":         _config.Moniker,
		"RangeSize":       _config.RangeSize,
		"Redundancy":      _config.Redundancy,
		"WorkTimeout":     _config.WorkTimeout,
		"GossipInterval":  _config.GossipInterval,
		"PublishInterval": _config.PublishInterval,
		"TargetBuffer":    _config.TargetBuffer,
		"Fanout":          _config.Fanout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/verinet.toml (.json, .yaml also work)
	viper.SetConfigName("verinet")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
