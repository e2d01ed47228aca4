// Command commit prints the commitment a kit registration gateway stores for
// a kit id and PIN, or checks a PIN against a stored commitment.
//
//	commit --kit KIT-AB12CD34 --pin 123456
//	echo 123456 | commit --kit KIT-AB12CD34 --pin-stdin --verify 0x…
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"cohort/internal/commitment"
	id "cohort/pkg/domain"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "commit: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	flags := pflag.NewFlagSet("commit", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	kit := flags.String("kit", "", "kit id printed on the kit, e.g. KIT-AB12CD34")
	pin := flags.String("pin", "", "kit PIN (visible in shell history; prefer --pin-stdin)")
	pinStdin := flags.Bool("pin-stdin", false, "read the PIN from the first line of stdin")
	verify := flags.String("verify", "", "hex commitment to check the PIN against instead of printing one")
	if err := flags.Parse(args); err != nil {
		return err
	}

	kitID, err := id.ParseKitID(*kit)
	if err != nil {
		return err
	}

	secret := *pin
	if *pinStdin {
		if secret != "" {
			return errors.New("use either --pin or --pin-stdin")
		}
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read pin: %w", err)
		}
		secret = strings.TrimSpace(line)
	}
	if err := id.ValidatePIN(secret); err != nil {
		return err
	}

	if *verify != "" {
		stored, err := commitment.ParseDigest(*verify)
		if err != nil {
			return err
		}
		if !commitment.Verify(kitID.String(), secret, stored) {
			return errors.New("pin does not match commitment")
		}
		_, err = fmt.Fprintln(stdout, "match")
		return err
	}

	_, err = fmt.Fprintln(stdout, commitment.Commit(kitID.String(), secret).String())
	return err
}
