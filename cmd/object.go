package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PolarWolf314/tresor/internal/ui"
	"github.com/PolarWolf314/tresor/internal/utils"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

var (
	decryptOutput string
	objectJSON    bool
)

func init() {
	objectDecryptCmd.Flags().StringVarP(&decryptOutput, "output", "o", "", "write plaintext to this file instead of stdout")
	objectEncryptCmd.Flags().BoolVar(&objectJSON, "json", false, "output in JSON format")

	objectCmd.AddCommand(objectEncryptCmd)
	objectCmd.AddCommand(objectDecryptCmd)
}

func resetObjectCommandState() {
	decryptOutput = ""
	objectJSON = false
}

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Encrypt and decrypt objects",
	Long:  `Stores payloads encrypted under a folder's content key and reads them back.`,
}

// expandInputs resolves file arguments, which may be doublestar patterns,
// to the regular files they name, without duplicates.
func expandInputs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

type encryptedFile struct {
	Source   string `json:"source"`
	ObjectID string `json:"object_id"`
	KeyID    string `json:"key_id"`
	Size     int    `json:"size"`
}

var objectEncryptCmd = &cobra.Command{
	Use:   "encrypt <folder> [file...]",
	Short: "Encrypt files or stdin into a folder",
	Long: `Encrypts each file under the folder's current content key and stores it as
an object. File arguments may be glob patterns, including ** for any depth.
Without files the plaintext is read from stdin.

Examples:
  tresor object encrypt cases ./evidence/*.pdf
  tresor object encrypt cases "exports/**/*.csv"
  cat notes.txt | tresor object encrypt cases`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting object encrypt command")
		folderID, patterns := args[0], args[1:]

		if len(patterns) == 0 && secretStdin {
			return report(fmt.Errorf("cannot read both the passphrase and the plaintext from stdin"))
		}

		files, err := expandInputs(patterns)
		if err != nil {
			return report(err)
		}
		Logger.Debugf("Encrypting %d file(s): %s", len(files), utils.FormatPaths(files))

		var stdinData []byte
		if len(files) == 0 {
			if stdinData, err = utils.ReadStdin(); err != nil {
				return report(err)
			}
		}

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		spinner, cleanup := startSpinner("Encrypting...", verbose)
		defer cleanup()

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return fail(spinner, err)
		}
		defer engine.Close()

		encrypt := func(source string, plaintext []byte) (encryptedFile, error) {
			result, err := engine.EncryptAndStore(ctx, workflows.EncryptOptions{
				Actor:     actor,
				FolderID:  folderID,
				Plaintext: plaintext,
			})
			if err != nil {
				return encryptedFile{}, err
			}
			return encryptedFile{Source: source, ObjectID: result.ObjectID, KeyID: result.KeyID, Size: result.Size}, nil
		}

		var out []encryptedFile
		if len(files) == 0 {
			ef, err := encrypt("-", stdinData)
			if err != nil {
				return fail(spinner, err)
			}
			out = append(out, ef)
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return fail(spinner, fmt.Errorf("failed to read %s: %w", f, err))
			}
			ef, err := encrypt(f, data)
			wipe(data)
			if err != nil {
				return fail(spinner, fmt.Errorf("%s: %w", f, err))
			}
			out = append(out, ef)
		}

		if objectJSON {
			spinner.FinalMSG = ""
			return printJSON(out)
		}

		var b strings.Builder
		for _, ef := range out {
			b.WriteString(ef.ObjectID + "  " + ui.Path.Sprint(ef.Source) + "\n")
		}
		b.WriteString(ui.Success.Sprint("✓") + fmt.Sprintf(" Encrypted %d object(s) into ", len(out)) + ui.Highlight.Sprint(folderID))
		spinner.FinalMSG = b.String()
		return nil
	},
}

var objectDecryptCmd = &cobra.Command{
	Use:   "decrypt <object>",
	Short: "Decrypt an object",
	Long: `Decrypts an object with the acting principal's envelope for its folder.
The plaintext goes to stdout unless --output is given.

Examples:
  tresor object decrypt 0c9d6f0e-3b6f-4d53-9a59-4f1a4b2b8d10 > notes.txt
  tresor object decrypt 0c9d6f0e-3b6f-4d53-9a59-4f1a4b2b8d10 -o notes.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		Logger.Infof("Starting object decrypt command")

		actor, err := actorCredentials()
		if err != nil {
			return report(err)
		}
		defer wipe(actor.Secret)

		ctx := context.Background()
		engine, err := openEngine(ctx, cmd)
		if err != nil {
			return report(err)
		}
		defer engine.Close()

		result, err := engine.DecryptObject(ctx, workflows.DecryptOptions{Actor: actor, ObjectID: args[0]})
		if err != nil {
			return report(err)
		}
		defer wipe(result.Plaintext)

		if decryptOutput == "" {
			_, err := os.Stdout.Write(result.Plaintext)
			return err
		}
		if err := os.WriteFile(decryptOutput, result.Plaintext, 0600); err != nil {
			return report(fmt.Errorf("failed to write %s: %w", decryptOutput, err))
		}
		fmt.Fprintln(os.Stderr, ui.Success.Sprint("✓")+" Decrypted "+ui.Highlight.Sprint(result.ObjectID)+
			" to "+ui.Path.Sprint(decryptOutput))
		return nil
	},
}
