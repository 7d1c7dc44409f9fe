package coverage

import (
	"sort"
	"time"
)

// Report is the merge of the coverage artifacts of every job of a matrix.
type Report struct {
	Files     map[string]*FileCoverage
	Sources   []string
	Inputs    []string
	Timestamp time.Time
}

// FileCoverage holds the hits per line of one source file.
type FileCoverage struct {
	Package string
	Class   string
	Lines   map[int]int
}

func (f *FileCoverage) counts() (valid, covered int) {
	for _, hits := range f.Lines {
		valid++
		if hits > 0 {
			covered++
		}
	}
	return valid, covered
}

func (f *FileCoverage) sortedLines() []Line {
	lines := make([]Line, 0, len(f.Lines))
	for n, hits := range f.Lines {
		lines = append(lines, Line{Number: n, Hits: hits})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Number < lines[j].Number })
	return lines
}

func NewReport() *Report {
	return &Report{Files: make(map[string]*FileCoverage)}
}

// Add merges one job's document into the report. Hits of a line measured by
// several jobs are summed; a line is covered when any job covered it.
func (r *Report) Add(key string, doc *Cobertura) {
	r.Inputs = append(r.Inputs, key)
	for _, s := range doc.Sources {
		if !contains(r.Sources, s) {
			r.Sources = append(r.Sources, s)
		}
	}
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			f, ok := r.Files[c.Filename]
			if !ok {
				f = &FileCoverage{Package: p.Name, Class: c.Name, Lines: make(map[int]int)}
				r.Files[c.Filename] = f
			}
			for _, l := range c.Lines {
				f.Lines[l.Number] += l.Hits
			}
		}
	}
}

func (r *Report) LinesValid() int {
	total := 0
	for _, f := range r.Files {
		v, _ := f.counts()
		total += v
	}
	return total
}

func (r *Report) LinesCovered() int {
	total := 0
	for _, f := range r.Files {
		_, c := f.counts()
		total += c
	}
	return total
}

// LineRate is the covered fraction of all measured lines, 1 when nothing
// was measured.
func (r *Report) LineRate() float64 {
	valid := r.LinesValid()
	if valid == 0 {
		return 1
	}
	return float64(r.LinesCovered()) / float64(valid)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
