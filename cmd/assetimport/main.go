// Command assetimport runs bulk asset imports and manages their jobs.
package main

func main() {
	execute()
}
