package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/service"
	"github.com/TIANLI0/MaskKit/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCutoutCmd(configPath *string) *cobra.Command {
	var (
		in      string
		out     string
		points  []string
		backend string
		soft    bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "cutout",
		Short: "Cut out the foreground selected by point prompts into a transparent PNG",
		Example: `  # Foreground click at (120,80), background click at (10,10)
  maskkit cutout --in photo.jpg --out photo.png --point 120,80 --point 10,10:bg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			utils.UseStderr(verbose)

			cfg := config.New(*configPath)
			cfg.Session.Mode = config.ModePoint
			cfg.Model.Backend = backend
			cfg.Mask.SoftEdge = cfg.Mask.SoftEdge || soft
			if err := cfg.Validate(); err != nil {
				return err
			}

			prompts := make([]model.Prompt, 0, len(points))
			for _, p := range points {
				prompt, err := parsePrompt(p)
				if err != nil {
					return err
				}
				prompts = append(prompts, prompt)
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			backends, err := service.NewBackends(&cfg.Model, nil)
			if err != nil {
				return err
			}
			manager, err := service.NewManagerFromConfig(cfg, backends)
			if err != nil {
				return err
			}
			defer manager.Close()

			info, err := manager.Reset(cmd.Context(), data)
			if err != nil {
				return err
			}

			for _, p := range prompts {
				pt, err := toWorking(p.Point, info)
				if err != nil {
					return err
				}
				if _, err := manager.Click(cmd.Context(), service.ClickInput{Point: pt, Label: p.Label}); err != nil {
					return err
				}
			}

			png, err := manager.Export()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			final := manager.Info()
			utils.Logger.Info("cutout written",
				zap.String("out", out),
				zap.Int("prompts", len(prompts)),
				zap.Int("selected", final.Selected))
			return nil
		},
	}

	cmd.Flags().StringVarP(&in, "in", "i", "", "Input image (JPEG/PNG)")
	cmd.Flags().StringVarP(&out, "out", "o", "cutout.png", "Output PNG path")
	cmd.Flags().StringArrayVarP(&points, "point", "p", nil, "Prompt point x,y[:fg|bg] in original image pixels (repeatable)")
	cmd.Flags().StringVar(&backend, "backend", config.BackendLocal, "Segmentation backend: local or sam")
	cmd.Flags().BoolVar(&soft, "soft", false, "Keep soft alpha edges instead of a binary matte")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("point")

	return cmd
}

// parsePrompt 解析 "x,y" 或 "x,y:bg" 形式的提示点
func parsePrompt(s string) (model.Prompt, error) {
	coords, labelText, _ := strings.Cut(s, ":")
	xs, ys, ok := strings.Cut(coords, ",")
	if !ok {
		return model.Prompt{}, fmt.Errorf("invalid point %q, want x,y[:fg|bg]", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return model.Prompt{}, fmt.Errorf("invalid x in %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return model.Prompt{}, fmt.Errorf("invalid y in %q: %w", s, err)
	}
	if x < 0 || y < 0 {
		return model.Prompt{}, fmt.Errorf("negative coordinates in %q", s)
	}
	label, err := model.ParseLabel(labelText)
	if err != nil {
		return model.Prompt{}, err
	}
	return model.Prompt{Point: model.Point{X: x, Y: y}, Label: label}, nil
}

// toWorking 将原图坐标换算到工作分辨率，超出原图范围的点直接拒绝
func toWorking(p model.Point, info *model.SessionInfo) (model.Point, error) {
	if p.X < 0 || p.Y < 0 || p.X >= info.Width || p.Y >= info.Height {
		return model.Point{}, fmt.Errorf("%w: (%d,%d) outside %dx%d",
			service.ErrInvalidPoint, p.X, p.Y, info.Width, info.Height)
	}
	sx := float64(info.WorkingWidth) / float64(info.Width)
	sy := float64(info.WorkingHeight) / float64(info.Height)
	// 只处理最右列、最下行换算后的取整越界
	return model.Point{
		X: min(info.WorkingWidth-1, int(float64(p.X)*sx)),
		Y: min(info.WorkingHeight-1, int(float64(p.Y)*sy)),
	}, nil
}
