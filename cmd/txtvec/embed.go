package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaxap/txtvec/internal/embeddings"
)

func newEmbedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Embed texts and print one vector per text as JSON",
		Long: `Embed texts given as arguments, or one per line from --file or stdin.
All texts are embedded as a single batch.`,
		RunE: runEmbed,
	}
	cmd.Flags().StringP("file", "f", "", "Read texts from a file, one per line (- for stdin)")
	cmd.Flags().Bool("jsonl", false, "Print one JSON object per line instead of a single array")
	return cmd
}

func runEmbed(cmd *cobra.Command, args []string) error {
	texts, err := collectTexts(cmd, args)
	if err != nil {
		return err
	}

	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	pipeline, state, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).
		CreatePipeline(embeddings.ServiceConfigFrom(cfg))
	if err != nil {
		return err
	}
	defer state.Close()

	vectors := [][]float32{}
	if len(texts) > 0 {
		vectors, err = pipeline.Embed(cmd.Context(), texts)
		if err != nil {
			return err
		}
	}

	jsonl, _ := cmd.Flags().GetBool("jsonl")
	return writeVectors(cmd.OutOrStdout(), texts, vectors, jsonl)
}

// collectTexts returns the texts from arguments, a file or stdin
func collectTexts(cmd *cobra.Command, args []string) ([]string, error) {
	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("no texts given, pass arguments or --file")
		}
		return args, nil
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("texts as arguments cannot be combined with --file")
	}

	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file, err)
		}
		defer f.Close()
		r = f
	}
	return readLines(r)
}

// readLines splits input into lines, keeping empty ones
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read texts: %w", err)
	}
	return lines, nil
}

type embeddedText struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

func writeVectors(w io.Writer, texts []string, vectors [][]float32, jsonl bool) error {
	enc := json.NewEncoder(w)
	if !jsonl {
		return enc.Encode(vectors)
	}
	for i, v := range vectors {
		if err := enc.Encode(embeddedText{Index: i, Text: texts[i], Embedding: v}); err != nil {
			return err
		}
	}
	return nil
}
