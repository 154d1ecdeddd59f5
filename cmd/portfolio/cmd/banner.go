package cmd

import (
	"fmt"
)

const banner = `
  ____            _    __       _ _       
 |  _ \ ___  _ __| |_ / _| ___ | (_) ___  
 | |_) / _ \| '__| __| |_ / _ \| | |/ _ \ 
 |  __/ (_) | |  | |_|  _| (_) | | | (_) |
 |_|   \___/|_|   \__|_|  \___/|_|_|\___/ 
                                          
`

func printBanner(mode string) {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Portfolio %s - Version %s\x1b[0m\n\n", mode, Version)
}
