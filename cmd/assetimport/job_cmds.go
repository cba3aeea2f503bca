package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/importer"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func parseID(flag, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", flag, err)
	}
	return id, nil
}

func loadMapping(path string) (domain.ExcelColumnMapping, error) {
	if path == "" {
		return domain.DefaultColumnMapping(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ExcelColumnMapping{}, err
	}
	var mapping domain.ExcelColumnMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return domain.ExcelColumnMapping{}, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	return mapping, nil
}

func newImportCmd(a *app) *cobra.Command {
	var (
		tenantID    string
		userID      string
		mappingPath string
		batchSize   int
		follow      bool
	)

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import an .xlsx or .csv file and wait for the job to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := parseID("--tenant", tenantID)
			if err != nil {
				return err
			}
			user, err := parseID("--user", userID)
			if err != nil {
				return err
			}
			mapping, err := loadMapping(mappingPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			st, err := a.openStack(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			job, err := st.service.Submit(ctx, importer.Upload{
				TenantID:  tenant,
				UserID:    user,
				FileName:  filepath.Base(args[0]),
				Data:      data,
				Mapping:   mapping,
				BatchSize: batchSize,
			})
			if err != nil {
				return err
			}
			a.log.WithField("job_id", job.ID).Info("import submitted")

			updates, unsubscribe, err := st.service.Subscribe(ctx, job.ID)
			if err != nil {
				return err
			}
			defer unsubscribe()
			interrupted := false
		wait:
			for {
				select {
				case p, ok := <-updates:
					if !ok {
						break wait
					}
					if follow {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s processed=%d ok=%d failed=%d\n",
							p.Status, p.ProcessedRows, p.SuccessfulRows, p.FailedRows)
					}
				case <-ctx.Done():
					a.log.Warn("interrupted, stopping after the current batch")
					interrupted = true
					break wait
				}
			}

			final, err := stopImport(st.service, job.ID, interrupted, 30*time.Second, a.log)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), final); err != nil {
				return err
			}
			if final.Status == domain.ImportJobStatusFailed {
				reason := ""
				if final.FailureReason != nil {
					reason = *final.FailureReason
				}
				return fmt.Errorf("import %s failed: %s", final.ID, reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant UUID (required)")
	cmd.Flags().StringVar(&userID, "user", "", "Initiating user UUID (required)")
	cmd.Flags().StringVar(&mappingPath, "mapping", "", "Column mapping JSON file (default mapping when empty)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows per transaction (config default when 0)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Print progress after every batch")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// stopImport shuts the service down and returns the job in its final state. An
// interrupted import is cancelled first so it stops at its next batch boundary
// instead of running to the end.
func stopImport(svc *importer.Service, id uuid.UUID, interrupted bool, timeout time.Duration, log *logrus.Entry) (domain.ImportJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if interrupted {
		if _, err := svc.Cancel(ctx, id); err != nil {
			log.WithError(err).Warn("import could not be cancelled, it will be interrupted at shutdown")
		}
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("import service did not stop cleanly")
	}
	return svc.GetJob(context.Background(), id)
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB",
		Short: "Show a job with its counters and row errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJob(cmd, args[0], func(ctx context.Context, svc *importer.Service, id uuid.UUID) (any, error) {
				return svc.GetJob(ctx, id)
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		tenantID string
		statuses []string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List import jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tenant *uuid.UUID
			if tenantID != "" {
				id, err := parseID("--tenant", tenantID)
				if err != nil {
					return err
				}
				tenant = &id
			}
			filter := make([]domain.ImportJobStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, domain.ImportJobStatus(strings.ToUpper(strings.TrimSpace(s))))
			}

			st, err := a.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.close()
			jobs, err := st.service.ListJobs(cmd.Context(), tenant, filter, limit, offset)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant UUID")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB",
		Short: "Stop a processing job at its next batch boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJob(cmd, args[0], func(ctx context.Context, svc *importer.Service, id uuid.UUID) (any, error) {
				return svc.Cancel(ctx, id)
			})
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback JOB",
		Short: "Reverse everything a job created or updated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withJob(cmd, args[0], func(ctx context.Context, svc *importer.Service, id uuid.UUID) (any, error) {
				return svc.Rollback(ctx, id)
			})
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var (
		output string
		format string
	)
	cmd := &cobra.Command{
		Use:   "report JOB",
		Short: "Write the error report of a job with failed rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("job", args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), ".")
			}

			st, err := a.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.close()

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := st.service.ErrorReport(cmd.Context(), id, format, f); err != nil {
				_ = f.Close()
				_ = os.Remove(output)
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "errors.xlsx", "Report file (.xlsx or .csv)")
	cmd.Flags().StringVar(&format, "format", "", "Report format, taken from the file extension when empty")
	return cmd
}

// withJob runs fn against a freshly wired service and prints its result. A result is
// printed even when fn fails, since control operations return the job they refused.
func (a *app) withJob(cmd *cobra.Command, rawID string, fn func(context.Context, *importer.Service, uuid.UUID) (any, error)) error {
	id, err := parseID("job", rawID)
	if err != nil {
		return err
	}
	st, err := a.openStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.close()

	result, err := fn(cmd.Context(), st.service, id)
	if job, ok := result.(domain.ImportJob); ok && job.ID != uuid.Nil {
		if writeErr := writeJSON(cmd.OutOrStdout(), job); writeErr != nil && err == nil {
			err = writeErr
		}
	}
	return err
}
