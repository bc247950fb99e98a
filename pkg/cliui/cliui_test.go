package cliui_test

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/cliui"
)

var _ = Describe("cliui", func() {
	Describe("Step", func() {
		It("reports success", func() {
			var buf bytes.Buffer
			err := cliui.Step(&buf, "decoding", func() error { return nil })
			Expect(err).NotTo(HaveOccurred())

			out := ansi.Strip(buf.String())
			Expect(out).To(ContainSubstring("✓ decoding"))
			Expect(out).To(HaveSuffix("\n"))
		})

		It("returns the error and marks failure", func() {
			var buf bytes.Buffer
			boom := errors.New("boom")
			err := cliui.Step(&buf, "decoding", func() error { return boom })
			Expect(err).To(MatchError(boom))
			Expect(ansi.Strip(buf.String())).To(ContainSubstring("✗ decoding"))
		})

		It("writes a single line without spinner frames off a terminal", func() {
			var buf bytes.Buffer
			Expect(cliui.Step(&buf, "decoding", func() error {
				time.Sleep(200 * time.Millisecond)
				return nil
			})).To(Succeed())

			out := ansi.Strip(buf.String())
			Expect(out).NotTo(ContainSubstring("\r"))
			Expect(out).NotTo(ContainSubstring("⣾"))
			Expect(strings.Count(out, "\n")).To(Equal(1))
		})
	})

	Describe("FormatDuration", func() {
		It("uses milliseconds below a second", func() {
			Expect(cliui.FormatDuration(12 * time.Millisecond)).To(Equal("12ms"))
		})

		It("uses seconds above", func() {
			Expect(cliui.FormatDuration(3200 * time.Millisecond)).To(Equal("3.2s"))
		})
	})

	Describe("Preview", func() {
		It("flattens whitespace", func() {
			Expect(cliui.Preview("hello\n  world", 40)).To(Equal("hello world"))
		})

		It("truncates to the given width", func() {
			p := cliui.Preview("the quick brown fox", 10)
			Expect(ansi.StringWidth(p)).To(BeNumerically("<=", 10))
			Expect(p).To(HaveSuffix("…"))
		})
	})
})
