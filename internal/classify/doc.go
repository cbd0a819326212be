// Package classify scores message text against a tenant's keyword/phrase
// classifiers.
//
// Keywords match on stems, so "billing" hits a "bill" keyword. Phrases match
// as case-insensitive substrings of the raw text and count double. The
// strictly highest score wins; ties go to the earlier classifier.
package classify
