package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipserv/sipserv/internal/admission"
)

func newNumcheckCmd() *cobra.Command {
	var numbersFile string

	cmd := &cobra.Command{
		Use:   "numcheck <number>",
		Short: "Check a caller number against the allowlist",
		Long: "Prints 1 when the number starts with a prefix listed in the numbers file and 0 otherwise. " +
			"Meant as the admission command: cmd=sipserv numcheck #",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNumcheck(cmd, numbersFile, args[0])
		},
	}

	cmd.Flags().StringVar(&numbersFile, "numbers-file", admission.DefaultNumbersFile, "file with one allowed number prefix per line")
	return cmd
}

func runNumcheck(cmd *cobra.Command, numbersFile, number string) error {
	out := cmd.OutOrStdout()

	list, err := admission.LoadAllowlist(numbersFile)
	if errors.Is(err, admission.ErrAllowlistCreated) {
		fmt.Fprintln(out, "0")
		return nil
	}
	if err != nil {
		fmt.Fprintln(out, "0")
		return err
	}

	if list.Match(number) {
		fmt.Fprintln(out, "1")
		return nil
	}
	fmt.Fprintln(out, "0 Number not found!")
	return nil
}
