package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/app"
	"github.com/JakeFAU/dataimport/internal/importer"
)

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
	}
}

// newUploadCmd creates the 'upload' subcommand, which runs one import and prints the
// service's reply.
func newUploadCmd(v *viper.Viper, appOpts []app.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Archive and upload one dataset",
		Long: `Validates the request, zips the data file and descriptor, resolves the
organization's cluster, logs in and uploads the archive. Progress lines go to
stdout followed by the service's reply. The temporary archive is always removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpload(cmd, appOpts)
		},
	}

	f := cmd.Flags()
	f.String("org", "", "organization id")
	f.String("user", "", "user name")
	f.String("password", "", "password (prefer DATAIMPORT_ACCOUNT_PASSWORD)")
	f.String("data", "", "path to the data file")
	f.String("descriptor", "", "path to the dataset descriptor")
	f.String("action", string(importer.ActionOverwrite), "overwrite or append")
	f.Bool("background", true, "let the service run the import in the background")
	f.Bool("notify", false, "email the user when the import finishes")
	f.Bool("share", false, "share the dataset with all users")
	f.String("upload-url", "", "send the upload to this URL instead of the resolved cluster")

	bindFlag(v, "account.organization", f.Lookup("org"))
	bindFlag(v, "account.user_name", f.Lookup("user"))
	bindFlag(v, "account.password", f.Lookup("password"))
	bindFlag(v, "import.data_path", f.Lookup("data"))
	bindFlag(v, "import.descriptor_path", f.Lookup("descriptor"))
	bindFlag(v, "import.action", f.Lookup("action"))
	bindFlag(v, "import.run_in_background", f.Lookup("background"))
	bindFlag(v, "import.notify_by_email", f.Lookup("notify"))
	bindFlag(v, "import.share_with_all_users", f.Lookup("share"))
	bindFlag(v, "service.upload_url", f.Lookup("upload-url"))
	return cmd
}

func runUpload(cmd *cobra.Command, appOpts []app.Option) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	req := e.cfg.ImportRequest()
	if err := req.Validate(); err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), e.cfg, e.logger, appOpts...)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			e.logger.Warn("close services failed", zap.Error(cerr))
		}
	}()

	out := cmd.OutOrStdout()
	p := a.NewPipeline(app.Hooks{
		Log: func(line string) {
			_, _ = fmt.Fprintln(out, line)
		},
	})
	res, err := p.Run(cmd.Context(), req)
	if err != nil {
		e.logger.Error("upload failed",
			zap.String("run_id", res.RunID),
			zap.String("kind", importer.KindOf(err)),
			zap.Error(err),
		)
		return err
	}
	e.logger.Info("upload finished",
		zap.String("run_id", res.RunID),
		zap.Int("status", res.StatusCode),
		zap.String("host", res.Cluster.Host),
	)
	_, _ = fmt.Fprintln(out, res.Body)
	return nil
}
