package coordserver

import "fmt"

func init() { fmt.Println("debug hooks active") }
