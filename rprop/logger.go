// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rprop

import (
	"fmt"
	"io"
	"os"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated
	LogNoop LogLevel = -1
	// LogLast print only the exit summary
	LogLast LogLevel = 0
	// LogEval print also f and ‖g‖ of every iteration
	LogEval LogLevel = 1
	// LogTrace print step size statistics and reverted steps
	LogTrace LogLevel = 99
	// LogVerbose print also the gradient and the step sizes of every iteration
	LogVerbose LogLevel = 101
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for the iteration table.
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// vec prints v six entries per line.
func (l *Logger) vec(name string, v []float64) {
	l.log("%s = ", name)
	for i, x := range v {
		l.log("%.2e ", x)
		if (i+1)%6 == 0 && i+1 < len(v) {
			l.log("\n     ")
		}
	}
	l.log("\n")
}

func normalizeLogger(logger *Logger) Logger {
	if logger == nil {
		return Logger{Level: LogNoop, Msg: io.Discard, Out: io.Discard}
	}
	l := *logger
	if l.Msg == nil {
		l.Msg = os.Stdout
	}
	if l.Out == nil {
		l.Out = os.Stderr
	}
	return l
}

func (o *Optimizer) printInit() {
	log := &o.logger
	if log.enable(LogLast) {
		log.log("RUNNING THE RPROP CODE\n")
		log.log("           * * *\n")
		log.log("N = %d    variables = %d    terms = %d\n", o.numParams, len(o.dvs), len(o.ets)+len(o.scalar))
		log.log("method = %s    threads = %d    m-estimator = %t\n", o.opts.Method, o.opts.NumThreads, o.opts.UseMEstimator)
		if log.enable(LogEval) {
			log.out("\n   it  fail          f        |g|       |dx|\n")
		}
	}
}

func (o *Optimizer) printIter(accepted bool) {
	log := &o.logger
	if log.enable(LogEval) {
		log.log("At iterate %5d    f= %12.5e    |g|= %12.5e\n", o.iter, o.f, o.gradNorm)
		log.out(" %4d %5d %10.3e %10.3e %10.3e\n", o.iter, o.failed, o.f, o.gradNorm, o.dxNorm)
	}
	if log.enable(LogTrace) && len(o.delta) > 0 {
		if !accepted {
			log.log("Step rejected; state reverted and step sizes shrunk\n")
		}
		lo, hi := o.delta[0], o.delta[0]
		for _, d := range o.delta {
			lo, hi = min(lo, d), max(hi, d)
		}
		log.log("step sizes in [%10.3e, %10.3e]\n", lo, hi)
	}
	if log.enable(LogVerbose) {
		log.vec("G ", o.prevGrad)
		log.vec("D ", o.delta)
	}
}

func (o *Optimizer) printExit(status Status) {
	log := &o.logger
	if !log.enable(LogLast) {
		return
	}
	log.log("\n           * * *\n\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tfail = total number of rejected steps\n")
	log.log("|g|   = final gradient norm\n")
	log.log("F     = final function value\n\n")
	log.log("           * * *\n\n")
	log.log("   N    Tit  Tfail       |g|          F\n")
	log.log("%5d %5d %5d %10.3e %10.3e\n", o.numParams, o.iter, o.failed, o.gradNorm, o.f)
	log.log("\n%s\n", status)
}
