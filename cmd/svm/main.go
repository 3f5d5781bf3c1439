// Command svm runs a flat guest image through the translator runtime:
// it maps the image as a read-only module, seeds the guest PC, runs
// until the guest halts, and dumps the uniform buffer.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"j5.nz/svm/pkg/backend"
	_ "j5.nz/svm/pkg/backend/arm64"
	_ "j5.nz/svm/pkg/backend/riscv64"
	"j5.nz/svm/pkg/frontend/x86"
	"j5.nz/svm/pkg/ir"
)

// runConfig is the TOML run description.
type runConfig struct {
	Image struct {
		Path  string `toml:"path"`
		Base  uint64 `toml:"base"`
		Entry uint64 `toml:"entry"`
	} `toml:"image"`
	Runtime struct {
		UniformSize uint32   `toml:"uniform_size"`
		EnableJIT   bool     `toml:"enable_jit"`
		ISA         string   `toml:"isa"`
		Opts        []string `toml:"optimizations"`
	} `toml:"runtime"`
	StaticAlloc []struct {
		Offset uint32 `toml:"offset"`
		Size   uint32 `toml:"size"`
		Reg    uint8  `toml:"reg"`
		Float  bool   `toml:"float"`
	} `toml:"static_alloc"`
}

var optNames = map[string]backend.Optimizations{
	"return-stack-buffer":  backend.OptReturnStackBuffer,
	"flag-elimination":     backend.OptFlagElimination,
	"uniform-elimination":  backend.OptUniformElimination,
	"dead-code-remove":     backend.OptDeadCodeRemove,
	"static-code":          backend.OptStaticCode,
	"block-link":           backend.OptBlockLink,
	"constant-folding":     backend.OptConstantFolding,
	"direct-block-link":    backend.OptDirectBlockLink,
	"indirect-block-link":  backend.OptIndirectBlockLink,
	"function-base-compile": backend.OptFunctionBaseCompile,
}

func parseISA(name string) (backend.ISA, error) {
	switch name {
	case "", "arm64":
		return backend.ISAArm64, nil
	case "riscv64":
		return backend.ISARiscv64, nil
	default:
		return backend.ISANone, errors.Errorf("unknown backend isa %q", name)
	}
}

func buildConfig(rc *runConfig, logger *zap.Logger) (backend.Config, error) {
	isa, err := parseISA(rc.Runtime.ISA)
	if err != nil {
		return backend.Config{}, err
	}
	cfg := backend.Config{
		EnableJIT:         rc.Runtime.EnableJIT,
		UniformBufferSize: rc.Runtime.UniformSize,
		BackendISA:        isa,
		Logger:            logger,
	}
	if cfg.UniformBufferSize == 0 {
		cfg.UniformBufferSize = x86.StateBytes
	}
	for _, name := range rc.Runtime.Opts {
		bit, ok := optNames[name]
		if !ok {
			return backend.Config{}, errors.Errorf("unknown optimization %q", name)
		}
		cfg.GlobalOpts |= bit
	}
	for _, s := range rc.StaticAlloc {
		cfg.BuffersStaticAlloc = append(cfg.BuffersStaticAlloc, backend.UniformDesc{
			Offset:  s.Offset,
			Size:    s.Size,
			Reg:     s.Reg,
			IsFloat: s.Float,
		})
	}
	return cfg, nil
}

func runCommand() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flat guest image",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rc runConfig
			if _, err := toml.DecodeFile(configPath, &rc); err != nil {
				return errors.Wrap(err, "read run config")
			}
			logger := zap.NewNop()
			if verbose {
				var err error
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}

			image, err := os.ReadFile(rc.Image.Path)
			if err != nil {
				return errors.Wrap(err, "read image")
			}

			cfg, err := buildConfig(&rc, logger)
			if err != nil {
				return err
			}
			cfg.Frontend = x86.NewDecoder(image, ir.Location(rc.Image.Base))

			space, err := backend.NewAddressSpace(cfg)
			if err != nil {
				return errors.Wrap(err, "create address space")
			}
			defer space.Close()

			end := rc.Image.Base + uint64(len(image))
			if _, err := space.MapModule(ir.Location(rc.Image.Base), ir.Location(end), true); err != nil {
				return errors.Wrap(err, "map image module")
			}

			rt := backend.NewRuntime(space)
			rt.SetLocation(ir.Location(rc.Image.Entry))
			hr := rt.Run()

			fmt.Fprintf(cmd.OutOrStdout(), "halt: %#x, pc: %s\n", uint32(hr), rt.GetLocation())
			dumpUniform(cmd, rt.UniformBuffer())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "svm.toml", "run configuration file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "development logging")
	return cmd
}

func dumpUniform(cmd *cobra.Command, buf []byte) {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%04x: % x\n", off, buf[off:end])
	}
}

func main() {
	root := &cobra.Command{
		Use:           "svm",
		Short:         "Dynamic binary translator runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "svm:", err)
		os.Exit(1)
	}
}
