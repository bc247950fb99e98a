package configcmder_test

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/ansi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	configcmder "github.com/papercomputeco/chatwire/cmd/chatwire/config"
)

var _ = Describe("NewConfigCmd", func() {
	It("creates a command with the correct use string", func() {
		cmd := configcmder.NewConfigCmd()
		Expect(cmd.Use).To(Equal("config"))
	})

	It("has set, get, and list subcommands", func() {
		cmd := configcmder.NewConfigCmd()
		cmds := cmd.Commands()
		subcommands := make([]string, 0, len(cmds))
		for _, sub := range cmds {
			subcommands = append(subcommands, sub.Name())
		}
		Expect(subcommands).To(ContainElements("set", "get", "list"))
	})
})

var _ = Describe("Config command execution", func() {
	var (
		tmpDir  string
		origDir string
		out     *bytes.Buffer
	)

	execute := func(args ...string) error {
		cmd := configcmder.NewConfigCmd()
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "chatwire-config-test-*")
		Expect(err).NotTo(HaveOccurred())

		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())

		// A local .chatwire dir is picked up by the manager.
		Expect(os.MkdirAll(filepath.Join(tmpDir, ".chatwire"), 0o755)).To(Succeed())
		Expect(os.Chdir(tmpDir)).To(Succeed())

		out = &bytes.Buffer{}
	})

	AfterEach(func() {
		Expect(os.Chdir(origDir)).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	Describe("set subcommand", func() {
		It("sets a config value successfully", func() {
			Expect(execute("set", "client.model", "gpt-4o")).To(Succeed())

			_, err := os.Stat(filepath.Join(tmpDir, ".chatwire", "config.toml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ansi.Strip(out.String())).To(ContainSubstring("Set client.model = gpt-4o"))
		})

		It("rejects unknown keys", func() {
			Expect(execute("set", "proxy.provider", "value")).NotTo(Succeed())
		})

		It("requires exactly two arguments", func() {
			Expect(execute("set", "client.model")).NotTo(Succeed())
			Expect(execute("set")).NotTo(Succeed())
		})

		It("rejects invalid values", func() {
			Expect(execute("set", "telemetry.workers", "not-a-number")).NotTo(Succeed())
			Expect(execute("set", "relay.format", "xml")).NotTo(Succeed())
		})
	})

	Describe("get subcommand", func() {
		It("gets a previously set value", func() {
			Expect(execute("set", "client.idle_timeout", "90s")).To(Succeed())

			out.Reset()
			Expect(execute("get", "client.idle_timeout")).To(Succeed())
			Expect(ansi.Strip(out.String())).To(ContainSubstring("client.idle_timeout  1m30s"))
		})

		It("shows unset keys", func() {
			Expect(execute("get", "client.api_key")).To(Succeed())
			Expect(ansi.Strip(out.String())).To(ContainSubstring("<not set>"))
		})

		It("requires exactly one argument", func() {
			Expect(execute("get")).NotTo(Succeed())
		})
	})

	Describe("list subcommand", func() {
		It("lists every key with defaults", func() {
			Expect(execute("list")).To(Succeed())
			listed := ansi.Strip(out.String())
			Expect(listed).To(MatchRegexp(`client\.model\s+"LILY"`))
			Expect(listed).To(ContainSubstring("telemetry.chunk_rate"))
		})

		It("redacts the api key", func() {
			Expect(execute("set", "client.api_key", "sk-secret")).To(Succeed())

			out.Reset()
			Expect(execute("list")).To(Succeed())
			Expect(out.String()).NotTo(ContainSubstring("sk-secret"))
			Expect(ansi.Strip(out.String())).To(MatchRegexp(`client\.api_key\s+<redacted>`))
		})

		It("rejects any arguments", func() {
			Expect(execute("list", "extra")).NotTo(Succeed())
		})
	})
})
