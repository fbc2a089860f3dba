// Palantir is a token-authenticated gateway that streams LLM completions
// from multiple upstream providers while enforcing population-divided usage
// quotas.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/palantir.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	mintUser := flag.Uint64("mint-token", 0, "mint a token for the given user id and exit")
	mintPlan := flag.String("mint-plan", "free", "plan for -mint-token (free or pro)")
	mintStaff := flag.Bool("mint-staff", false, "set the staff flag for -mint-token")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
		os.Exit(0)
	}

	if *mintUser != 0 {
		if err := mintToken(*configPath, *mintUser, *mintPlan, *mintStaff); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
