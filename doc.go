// Package bxcan is a driver core for bxCAN style CAN peripherals
// (STM32F1 / CH32V family). It holds the vocabulary shared by the
// component packages : the frame value, the register access capability,
// bit timing, the interrupt capability and the error sentinels.
// The driver itself is assembled from the packages under pkg/.
package bxcan
