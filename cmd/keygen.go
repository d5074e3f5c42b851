package cmd

import (
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdKeyGen = &cobra.Command{
	Use:   "gen [identity-file]",
	Short: "Create a keypair used for encrypting backups",
	Args:  cobra.MaximumNArgs(1),
	Long: strings.TrimSpace(`
Create a new age keypair. The public key (recipient) is printed on
standard output; pass it to backup --encrypt-key. The identity (private
key) is written to the file given as argument, or printed on standard
output if no argument is given. The identity decrypts the backups, keep
it off the backup medium.
	`),
	Run: func(cmd *cobra.Command, args []string) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			logrus.Fatal(err)
		}

		fmt.Printf("# public key: %s\n", identity.Recipient())

		if len(args) == 0 {
			fmt.Println(identity)
		} else {
			err := os.WriteFile(args[0], []byte(identity.String()+"\n"), 0600)
			if err != nil {
				logrus.Fatal(err)
			}
		}
	},
}

var cmdKey = &cobra.Command{
	Use:   "key",
	Short: "Encryption keys management",
}

func init() {
	cmdKey.AddCommand(cmdKeyGen)
}
