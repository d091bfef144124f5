// Command raincheck sends outbound HTTP requests with at-least-once delivery and drains
// the queues of failed requests.
package main

import "github.com/nimburion/raincheck/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.CommandOptions{}))
}
