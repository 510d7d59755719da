package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/enrollment"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	enrollName  string
	enrollImage string
	enrollDir   string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll authorized persons from photos",
	Long: `Enroll one person with --name and --image, or every photo in --dir.
With --dir the file name without its extension becomes the person's name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if (enrollDir == "") == (enrollImage == "") {
			return goerr.New("provide either --image with --name, or --dir")
		}
		if enrollImage != "" && strings.TrimSpace(enrollName) == "" {
			return goerr.Wrap(types.ErrInvalidName, "--name is required with --image")
		}
		return runEnroll(cmd.Context())
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollName, "name", "n", "", "Name of the person")
	enrollCmd.Flags().StringVarP(&enrollImage, "image", "i", "", "Photo of the person")
	enrollCmd.Flags().StringVarP(&enrollDir, "dir", "d", "", "Directory of photos named after their person")
	rootCmd.AddCommand(enrollCmd)
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

type enrollJob struct {
	name string
	path string
}

// collectEnrollJobs lists the photos of dir in name order.
func collectEnrollJobs(dir string) ([]enrollJob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read directory", goerr.V("dir", dir))
	}

	var jobs []enrollJob
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExtensions[ext] {
			continue
		}
		jobs = append(jobs, enrollJob{name: nameFromFile(e.Name()), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].path < jobs[j].path })
	return jobs, nil
}

// nameFromFile turns "jane_doe.jpg" into "jane doe".
func nameFromFile(file string) string {
	stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	stem = strings.NewReplacer("_", " ", "-", " ").Replace(stem)
	return strings.Join(strings.Fields(stem), " ")
}

func runEnroll(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := startEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	people := enrollment.New(engine,
		enrollment.WithPersister(db),
		enrollment.WithDimension(cfg.Engine.Dimension),
	)

	if enrollImage != "" {
		p, err := enrollFile(ctx, people, enrollJob{name: enrollName, path: enrollImage})
		if err != nil {
			return err
		}
		fmt.Printf("✅ Enrolled %s (ID: %s)\n", p.Name, p.ID)
		return nil
	}

	jobs, err := collectEnrollJobs(enrollDir)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No photos found.")
		return nil
	}

	bar := progressbar.NewOptions(len(jobs),
		progressbar.OptionSetDescription("👤 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var failed []string
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := enrollFile(ctx, people, job); err != nil {
			if !errors.Is(err, types.ErrNoFaceDetected) {
				_ = bar.Finish()
				return err
			}
			failed = append(failed, filepath.Base(job.path))
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	fmt.Printf("✅ Enrolled %d of %d photos\n", len(jobs)-len(failed), len(jobs))
	for _, f := range failed {
		fmt.Printf("⚠️  No face detected in %s\n", f)
	}
	return nil
}

func enrollFile(ctx context.Context, people *enrollment.Store, job enrollJob) (types.EnrolledPerson, error) {
	data, err := os.ReadFile(job.path)
	if err != nil {
		return types.EnrolledPerson{}, goerr.Wrap(err, "failed to read image", goerr.V("path", job.path))
	}
	return people.Add(ctx, job.name, data)
}
