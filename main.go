// Command icd-lookup serves ICD-10-CM code search and the clinical context of
// each code (drugs, trials, coverage, procedures) over HTTP and from the
// command line.
//
// Usage:
//
//	icd-lookup serve
//	icd-lookup search "pancreas cancer"
//	icd-lookup code E11.9
package main

func main() {
	Execute()
}
